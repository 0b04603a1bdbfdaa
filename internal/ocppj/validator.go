package ocppj

import (
	"encoding/json"
	"fmt"
	"strings"

	"ocpp-gateway/internal/domain"
)

// Validator checks action payloads against their schemas. Actions without
// a schema are accepted.
type Validator interface {
	ValidateRequest(action string, payload json.RawMessage) error
	ValidateResponse(action string, payload json.RawMessage) error
}

// ValidationError lists the schema violations found in a payload.
type ValidationError struct {
	Action     string
	Response   bool
	Violations []string
}

func (e *ValidationError) Error() string {
	kind := "request"
	if e.Response {
		kind = "response"
	}
	return fmt.Sprintf("%s %s: %s", e.Action, kind, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return domain.ErrPayloadInvalid }
