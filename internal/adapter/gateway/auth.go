package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ocpp-gateway/internal/domain"
)

// Authorizer decides whether a charge point may complete its upgrade. It
// runs after identity extraction and before the WebSocket handshake, at
// most once per attempt. A non-nil error rejects the upgrade with 401.
type Authorizer interface {
	Authorize(ctx context.Context, identity string, r *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, identity string, r *http.Request) error

func (f AuthorizerFunc) Authorize(ctx context.Context, identity string, r *http.Request) error {
	return f(ctx, identity, r)
}

// authorize runs a with a bounded wait. Panics, errors and expiry all fail
// closed.
func authorize(ctx context.Context, a Authorizer, identity string, r *http.Request, timeout time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errc <- fmt.Errorf("authorizer panicked: %v", rec)
			}
		}()
		errc <- a.Authorize(ctx, identity, r)
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		return domain.NewSubSystemError("handshake", "authorize", domain.ErrAuthorizationTimeout, identity)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrHandshakeRejected) {
		return err
	}
	return domain.NewSubSystemError("handshake", "authorize", domain.ErrAuthorizationDenied, err.Error())
}

// BasicAuthorizer checks HTTP Basic credentials where the username is the
// charge point identity (OCPP 1.6 security profile 1). Stored passwords may
// be bcrypt hashes or plain text.
type BasicAuthorizer struct {
	passwords map[string]string
}

// NewBasicAuthorizer builds an authorizer from identity -> password.
func NewBasicAuthorizer(passwords map[string]string) *BasicAuthorizer {
	m := make(map[string]string, len(passwords))
	for id, pw := range passwords {
		m[id] = pw
	}
	return &BasicAuthorizer{passwords: m}
}

func (a *BasicAuthorizer) Authorize(_ context.Context, identity string, r *http.Request) error {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return errors.New("missing basic credentials")
	}
	if user != identity {
		return errors.New("username does not match identity")
	}
	stored, ok := a.passwords[identity]
	if !ok {
		return errors.New("unknown charge point")
	}
	if isBcryptHash(stored) {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(pass)) != nil {
			return errors.New("bad password")
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(pass)) != 1 {
		return errors.New("bad password")
	}
	return nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// AllowlistAuthorizer admits only the listed identities.
type AllowlistAuthorizer struct {
	allowed map[string]struct{}
}

// NewAllowlistAuthorizer builds an allowlist.
func NewAllowlistAuthorizer(identities []string) *AllowlistAuthorizer {
	m := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		m[id] = struct{}{}
	}
	return &AllowlistAuthorizer{allowed: m}
}

func (a *AllowlistAuthorizer) Authorize(_ context.Context, identity string, _ *http.Request) error {
	if _, ok := a.allowed[identity]; !ok {
		return fmt.Errorf("identity %q not allowed", identity)
	}
	return nil
}

// ChainAuthorizers requires every authorizer to accept. Nil entries are
// skipped; an empty chain returns nil.
func ChainAuthorizers(authorizers ...Authorizer) Authorizer {
	var chain []Authorizer
	for _, a := range authorizers {
		if a != nil {
			chain = append(chain, a)
		}
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	}
	return AuthorizerFunc(func(ctx context.Context, identity string, r *http.Request) error {
		for _, a := range chain {
			if err := a.Authorize(ctx, identity, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// OperatorInfo holds metadata about an authenticated API caller.
type OperatorInfo struct {
	Name  string
	Roles []string
}

// Authenticator validates operator API bearer tokens.
type Authenticator interface {
	Authenticate(token string) (*OperatorInfo, error)
}

// OperatorToken is one configured API token.
type OperatorToken struct {
	Token string
	Name  string
	Roles []string
}

type authEntry struct {
	token []byte
	info  *OperatorInfo
}

// StaticTokenAuth authenticates operators against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of tokens.
func NewStaticTokenAuth(tokens []OperatorToken) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &OperatorInfo{Name: t.Name, Roles: t.Roles},
		})
	}
	return a
}

// Authenticate returns operator info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*OperatorInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
