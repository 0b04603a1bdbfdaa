package ocppj

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"ocpp-gateway/internal/domain"
)

// IdentityFromPath extracts the charge point identity from a request
// target such as "/ocpp/CP%20001?token=x". The target is percent-decoded
// and split on "/", a query is dropped from the final segment, and the
// last non-empty segment is the identity. A raw fragment is ignored.
func IdentityFromPath(target string) (string, error) {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	decoded, err := url.PathUnescape(target)
	if err != nil {
		return "", domain.NewSubSystemError("handshake", "IdentityFromPath", domain.ErrInvalidIdentity, err.Error())
	}
	if !utf8.ValidString(decoded) {
		return "", domain.NewSubSystemError("handshake", "IdentityFromPath", domain.ErrInvalidIdentity, "identity is not valid UTF-8")
	}

	segments := strings.Split(decoded, "/")
	last := len(segments) - 1
	if i := strings.IndexByte(segments[last], '?'); i >= 0 {
		segments[last] = segments[last][:i]
	}
	for i := last; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i], nil
		}
	}
	return "", domain.NewSubSystemError("handshake", "IdentityFromPath", domain.ErrInvalidIdentity, "empty path")
}
