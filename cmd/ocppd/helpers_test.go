package main

import (
	"io"
	"strings"

	"ocpp-gateway/internal/ocppj"
	"ocpp-gateway/internal/usecase/centralsystem"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func newRegisteredSession(h *centralsystem.Handlers, identity string) *ocppj.Session {
	s := ocppj.NewSession(identity, quietLogger())
	h.Register(s)
	return s
}
