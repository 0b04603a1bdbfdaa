package ocppj

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ocpp-gateway/internal/domain"
)

// ActionHandler answers one inbound action.
type ActionHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// CloseListener observes the close of a session's connection.
type CloseListener func(code int, reason string)

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	Identity     string    `json:"identity"`
	Connected    bool      `json:"connected"`
	Subprotocol  string    `json:"subprotocol,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	PendingCalls int       `json:"pending_calls"`
}

// Session is the per charge point object applications hold. It survives
// reconnects: a new connection for the same identity is bound to the
// existing session, keeping its handlers and listeners.
type Session struct {
	identity string
	logger   *slog.Logger

	mu        sync.RWMutex
	conn      *Conn
	handlers  map[string]ActionHandler
	fallback  Handler
	listeners []CloseListener
}

// NewSession creates an unbound session.
func NewSession(identity string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		identity: identity,
		logger:   logger.With("identity", identity),
		handlers: make(map[string]ActionHandler),
	}
}

// Identity returns the charge point identity.
func (s *Session) Identity() string { return s.identity }

// Handle registers the handler for an inbound action, replacing any
// previous one.
func (s *Session) Handle(action string, h ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// HandleDefault registers the handler for actions without a dedicated handler.
func (s *Session) HandleDefault(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// OnClose registers a listener invoked each time the bound connection closes.
func (s *Session) OnClose(fn CloseListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Dispatch routes an inbound Call to its handler. Unknown actions are
// answered with NotImplemented. It satisfies Handler.
func (s *Session) Dispatch(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	h, ok := s.handlers[action]
	fallback := s.fallback
	s.mu.RUnlock()

	switch {
	case ok:
		return h(ctx, payload)
	case fallback != nil:
		return fallback(ctx, action, payload)
	default:
		return nil, NewError(NotImplemented, "action "+action+" is not implemented", nil)
	}
}

// Call sends an action over the bound connection.
func (s *Session) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	conn := s.Conn()
	if conn == nil {
		return nil, domain.NewSubSystemError("rpc", "Session.Call", domain.ErrNotConnected, s.identity)
	}
	return conn.Call(ctx, action, payload)
}

// Bind attaches conn and returns the previously bound connection, if any.
func (s *Session) Bind(conn *Conn) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	s.conn = conn
	return prev
}

// Unbind detaches conn if it is still the bound connection.
func (s *Session) Unbind(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

// Conn returns the bound connection or nil.
func (s *Session) Conn() *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Connected reports whether an open connection is bound.
func (s *Session) Connected() bool {
	conn := s.Conn()
	return conn != nil && !conn.Closed()
}

// Close closes the bound connection, if any.
func (s *Session) Close(code int, reason string) error {
	conn := s.Conn()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

// NotifyClose invokes the close listeners. Panicking listeners are recovered.
func (s *Session) NotifyClose(code int, reason string) {
	s.mu.RLock()
	listeners := make([]CloseListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("close listener panicked", "panic", r)
				}
			}()
			fn(code, reason)
		}()
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{Identity: s.identity}
	if conn := s.Conn(); conn != nil && !conn.Closed() {
		info.Connected = true
		info.Subprotocol = conn.Subprotocol()
		info.RemoteAddr = conn.RemoteAddr()
		info.ConnectedAt = conn.StartedAt()
		info.PendingCalls = conn.Pending()
	}
	return info
}
