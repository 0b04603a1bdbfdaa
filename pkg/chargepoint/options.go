package chargepoint

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"ocpp-gateway/internal/ocppj"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithBasicAuth sends HTTP Basic credentials with the charge point identity
// as username (OCPP 1.6 security profile 1).
func WithBasicAuth(password string) Option {
	return func(c *Client) {
		cred := base64.StdEncoding.EncodeToString([]byte(c.identity + ":" + password))
		c.header.Set("Authorization", "Basic "+cred)
	}
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCallTimeout bounds how long an outbound call waits for its reply.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithMaxInFlight bounds concurrent outbound calls. Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(c *Client) { c.maxInFlight = n }
}

// WithValidator validates payloads in both directions.
func WithValidator(v ocppj.Validator) Option {
	return func(c *Client) { c.validator = v }
}

// WithBreaker configures the connect circuit breaker: after maxFailures
// consecutive dial failures, Connect fails fast for openFor.
func WithBreaker(maxFailures uint32, openFor time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = maxFailures
		c.breakerTimeout = openFor
	}
}
