// Package chargepoint is the device side of OCPP-J 1.6: it dials a central
// system, negotiates the ocpp1.6 subprotocol and exposes the same call and
// handler surface the server gives its sessions.
//
// Example:
//
//	cp := chargepoint.New("CP001", chargepoint.WithBasicAuth("s3cret"))
//	cp.Handle("Reset", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
//	    return json.RawMessage(`{"status":"Accepted"}`), nil
//	})
//	if err := cp.Connect(ctx, "ws://csms.example.com:9220/ocpp/"); err != nil {
//	    return err
//	}
//	res, err := cp.Call(ctx, "BootNotification", map[string]string{
//	    "chargePointVendor": "ACME", "chargePointModel": "X1",
//	})
package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"

	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/ocppj"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
)

// Client is a charge point connection to a central system. Handlers
// registered on it survive reconnects.
type Client struct {
	identity    string
	header      http.Header
	httpClient  *http.Client
	logger      *slog.Logger
	base        *slog.Logger
	callTimeout time.Duration
	maxInFlight int
	validator   ocppj.Validator

	breakerFailures uint32
	breakerTimeout  time.Duration
	breaker         *gobreaker.CircuitBreaker[*websocket.Conn]

	session *ocppj.Session

	mu        sync.Mutex
	conn      *ocppj.Conn
	done      chan struct{}
	onConnect []func()
	onClose   []func(code int, reason string)
	onError   []func(err error)
}

// New creates an unconnected client for identity.
func New(identity string, opts ...Option) *Client {
	c := &Client{
		identity:        identity,
		header:          http.Header{},
		logger:          slog.Default(),
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base = c.logger
	c.logger = c.logger.With("identity", identity)
	c.session = ocppj.NewSession(identity, c.base)

	maxFailures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "chargepoint:" + identity,
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("connect breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Identity returns the charge point identity.
func (c *Client) Identity() string { return c.identity }

// Handle registers the handler for an action sent by the central system.
func (c *Client) Handle(action string, h ocppj.ActionHandler) { c.session.Handle(action, h) }

// HandleDefault registers the handler for actions without a dedicated handler.
func (c *Client) HandleDefault(h ocppj.Handler) { c.session.HandleDefault(h) }

// OnConnect registers a callback fired once the connection is usable. It
// may call the central system; Connect returns after it does.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnClose registers a callback fired when the connection closes.
func (c *Client) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// OnError registers a callback fired on connect failures.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// Connect dials centralSystemURL followed by the identity, offering only
// ocpp1.6. It returns once the connection is usable; frames are then
// processed in the background until Close or a transport failure.
func (c *Client) Connect(ctx context.Context, centralSystemURL string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("chargepoint %s: already connected", c.identity)
	}
	c.mu.Unlock()

	target := centralSystemURL + url.PathEscape(c.identity)
	ws, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		return c.dial(ctx, target)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.NewSubSystemError("chargepoint", "Client.Connect", domain.ErrCircuitOpen, err.Error())
		}
		c.logger.Warn("connect failed", "url", target, "error", err)
		c.emitError(err)
		return err
	}

	conn := ocppj.NewConn(ocppj.NewWebSocketTransport(ws, 0), c.session.Dispatch, ocppj.ConnOptions{
		Identity:    c.identity,
		RemoteAddr:  target,
		CallTimeout: c.callTimeout,
		MaxInFlight: c.maxInFlight,
		Validator:   c.validator,
		Logger:      c.base,
	})
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()
	c.session.Bind(conn)

	conn.Start(context.Background())
	conn.Ready()
	go c.run(conn, done)

	c.logger.Info("connected to central system", "url", target)
	c.emitConnect()
	return nil
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:      c.httpClient,
		HTTPHeader:      c.header.Clone(),
		Subprotocols:    []string{ocppj.Subprotocol16},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if ws.Subprotocol() == "" {
		ws.Close(websocket.StatusProtocolError, "no subprotocol negotiated")
		return nil, domain.NewSubSystemError("chargepoint", "Client.Connect", domain.ErrUnsupportedSubprotocol, target)
	}
	return ws, nil
}

func (c *Client) run(conn *ocppj.Conn, done chan struct{}) {
	defer close(done)
	conn.Wait()
	code, reason := conn.CloseStatus()

	c.session.Unbind(conn)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Info("disconnected from central system", "code", code, "reason", reason)
	c.session.NotifyClose(code, reason)
	c.emitClose(code, reason)
}

// Call sends an action to the central system.
func (c *Client) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	return c.session.Call(ctx, action, payload)
}

// Connected reports whether the client has a usable connection.
func (c *Client) Connected() bool { return c.session.Connected() }

// Done returns a channel closed once the most recent connection has shut
// down. It is nil before the first successful Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// BreakerState reports the connect circuit breaker state.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// Close closes the connection and waits for the close callbacks to run.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(code, reason)
	<-done
	return err
}

func (c *Client) emitConnect() {
	c.mu.Lock()
	fns := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		c.safe(func() { fn() })
	}
}

func (c *Client) emitClose(code int, reason string) {
	c.mu.Lock()
	fns := append([]func(int, string){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range fns {
		c.safe(func() { fn(code, reason) })
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	for _, fn := range fns {
		c.safe(func() { fn(err) })
	}
}

func (c *Client) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}
