package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/infra/middleware"
	"ocpp-gateway/internal/ocppj"
)

const (
	defaultAuthTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Options configures the central system server.
type Options struct {
	Addr           string
	PathPrefix     string // upgrade route; the identity is taken from what follows it
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string

	// Authorizer, when set, must accept every upgrade before promotion.
	Authorizer  Authorizer
	AuthTimeout time.Duration

	CallTimeout  time.Duration
	WriteTimeout time.Duration
	MaxInFlight  int
	ReadLimit    int64
	Validator    ocppj.Validator

	RateLimit middleware.RateLimitConfig
	// Operators enables the REST API under /api/v1 when set.
	Operators Authenticator
	Audit     domain.AuditLogger
}

// ConnectionHandler is invoked once a charge point session is bound, before
// any of its inbound Calls are dispatched. It may call the charge point.
type ConnectionHandler func(session *ocppj.Session)

// CloseHandler is invoked when a session's connection closes.
type CloseHandler func(session *ocppj.Session, code int, reason string)

type httpRoute struct {
	pattern string
	handler http.Handler
}

// Server is the OCPP-J central system: it gates WebSocket upgrades, binds
// sessions to correlation engines and tracks them in a Registry.
type Server struct {
	opts     Options
	bus      domain.EventBus
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
	limiter  *middleware.IPLimiter
	started  time.Time

	// bindMu serializes session binding against unbinding on close.
	bindMu sync.Mutex

	listenersMu  sync.RWMutex
	onConnection []ConnectionHandler
	onClose      []CloseHandler

	httpRoutes []httpRoute
	apiRoutes  []httpRoute
	httpSrv    *http.Server
	addrMu     sync.Mutex
	boundAddr  string
	unsubBus   func()

	ctx      context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a central system server. bus may be nil.
func NewServer(bus domain.EventBus, opts Options, logger *slog.Logger) *Server {
	if opts.PathPrefix == "" {
		opts.PathPrefix = "/"
	}
	if !strings.HasSuffix(opts.PathPrefix, "/") {
		opts.PathPrefix += "/"
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		bus:      bus,
		logger:   logger,
		registry: NewRegistry(),
		metrics:  &Metrics{},
		limiter:  middleware.NewIPLimiter(ctx, opts.RateLimit),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if bus != nil {
		s.unsubBus = bus.SubscribeAll(s.metrics.observe)
	}
	return s
}

// OnConnection registers a handler for newly bound sessions.
func (s *Server) OnConnection(fn ConnectionHandler) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onConnection = append(s.onConnection, fn)
}

// OnClose registers a handler for session closes.
func (s *Server) OnClose(fn CloseHandler) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// RegisterHTTPRoute adds an HTTP handler next to the upgrade route.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// RegisterAPIRoute adds an operator API handler. It is served behind
// the same token check as /api/v1 and only when Operators is set. Must be
// called before Start.
func (s *Server) RegisterAPIRoute(pattern string, handler http.Handler) {
	s.apiRoutes = append(s.apiRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics exposes the server counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Sessions returns the connected sessions ordered by identity.
func (s *Server) Sessions() []*ocppj.Session { return s.registry.List() }

// Session looks up a connected session.
func (s *Server) Session(identity string) (*ocppj.Session, bool) {
	return s.registry.Get(identity)
}

// Handler returns the HTTP handler serving upgrades, the operator API and
// any registered routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.PathPrefix, s.handleUpgrade)
	if s.opts.Operators != nil {
		s.registerAPI(mux)
	}
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	return mux
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.addrMu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.addrMu.Unlock()

	tlsOn := s.opts.TLSCertFile != "" && s.opts.TLSKeyFile != ""
	s.logger.Info("central system listening", "addr", listener.Addr().String(),
		"path", s.opts.PathPrefix, "tls", tlsOn)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-s.ctx.Done():
		}
	}()

	if tlsOn {
		err = srv.ServeTLS(listener, s.opts.TLSCertFile, s.opts.TLSKeyFile)
	} else {
		err = srv.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// BoundAddr returns the address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.boundAddr
}

// Stop closes every session with GoingAway, failing their pending calls,
// and shuts the listener down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("central system stopping", "sessions", s.registry.Len())
		s.cancel()
		if s.unsubBus != nil {
			s.unsubBus()
		}

		s.addrMu.Lock()
		srv := s.httpSrv
		s.addrMu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if srv != nil {
			s.stopErr = srv.Shutdown(shutdownCtx)
		}

		drained := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			s.logger.Warn("connections still open after shutdown timeout")
		}
	})
	return s.stopErr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr

	if !s.limiter.Allow(r) {
		s.reject(w, r, "", http.StatusTooManyRequests,
			domain.NewSubSystemError("handshake", "handleUpgrade", domain.ErrRateLimit, remote))
		return
	}

	// The identity is taken from what follows the prefix, so the prefix
	// alone ("/ocpp/") is an empty identity.
	target := r.URL.RequestURI()
	if s.opts.PathPrefix != "/" {
		target = strings.TrimPrefix(target, strings.TrimSuffix(s.opts.PathPrefix, "/"))
	}
	identity, err := ocppj.IdentityFromPath(target)
	if err != nil {
		s.reject(w, r, "", http.StatusBadRequest, err)
		return
	}

	if s.opts.Authorizer != nil {
		if err := authorize(r.Context(), s.opts.Authorizer, identity, r, s.opts.AuthTimeout); err != nil {
			s.reject(w, r, identity, http.StatusUnauthorized, err)
			return
		}
	}

	offered := ocppj.ParseSubprotocols(r.Header.Values("Sec-WebSocket-Protocol")...)
	_, negotiated := ocppj.SelectSubprotocol(offered)

	acceptOpts := &websocket.AcceptOptions{
		OriginPatterns:  s.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionDisabled,
	}
	if negotiated {
		acceptOpts.Subprotocols = []string{ocppj.Subprotocol16}
	}
	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "identity", identity, "remote_addr", remote, "error", err)
		return
	}

	if !negotiated {
		err := domain.NewSubSystemError("handshake", "handleUpgrade", domain.ErrUnsupportedSubprotocol,
			strings.Join(offered, ","))
		s.recordRejection(r, identity, http.StatusSwitchingProtocols, err)
		ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serveSession(identity, remote, ocppj.NewWebSocketTransport(ws, s.opts.ReadLimit))
}

// serveSession binds transport to the session for identity and blocks
// until the connection closes.
func (s *Server) serveSession(identity, remote string, transport ocppj.Transport) {
	s.bindMu.Lock()
	session, reused := s.registry.Get(identity)
	if !reused {
		session = ocppj.NewSession(identity, s.logger)
	}
	conn := ocppj.NewConn(transport, session.Dispatch, ocppj.ConnOptions{
		Identity:     identity,
		RemoteAddr:   remote,
		CallTimeout:  s.opts.CallTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		MaxInFlight:  s.opts.MaxInFlight,
		Validator:    s.opts.Validator,
		Logger:       s.logger,
		Bus:          s.bus,
	})
	prev := session.Bind(conn)
	s.registry.Add(session)
	s.bindMu.Unlock()

	if prev != nil {
		s.logger.Info("charge point reconnected, closing previous connection", "identity", identity, "remote_addr", remote)
		prev.Close(ocppj.StatusPolicyViolation, "replaced by new connection")
		s.publish(domain.EventChargePointReplaced, identity, map[string]string{"remote_addr": remote})
		s.audit(domain.AuditEvent{
			Type:     domain.AuditSessionReplaced,
			Actor:    identity,
			Resource: identity,
			Action:   "upgrade",
			Outcome:  "replaced",
			Detail:   map[string]string{"remote_addr": remote, "previous_remote_addr": prev.RemoteAddr()},
		})
	}

	s.metrics.HandshakesAccepted.Add(1)
	s.logger.Info("charge point connected", "identity", identity, "remote_addr", remote)
	s.publish(domain.EventChargePointConnected, identity, map[string]string{"remote_addr": remote})
	s.audit(domain.AuditEvent{
		Type:     domain.AuditHandshakeAccepted,
		Actor:    identity,
		Resource: identity,
		Action:   "upgrade",
		Outcome:  "accepted",
		Detail:   map[string]string{"remote_addr": remote, "subprotocol": transport.Subprotocol()},
	})
	// Connection handlers may call the charge point, so the loops run
	// first; inbound Calls wait until the handlers have returned.
	conn.Start(s.ctx)
	s.emitConnection(session)
	conn.Ready()
	conn.Wait()
	code, reason := conn.CloseStatus()

	s.bindMu.Lock()
	current := session.Unbind(conn)
	if current {
		s.registry.RemoveIf(identity, session)
	}
	s.bindMu.Unlock()

	if !current {
		// Replaced connections close silently.
		return
	}
	s.logger.Info("charge point disconnected", "identity", identity, "code", code, "reason", reason)
	s.publish(domain.EventChargePointDisconnected, identity, map[string]any{"code": code, "reason": reason})
	s.audit(domain.AuditEvent{
		Type:     domain.AuditSessionClosed,
		Actor:    identity,
		Resource: identity,
		Action:   "close",
		Outcome:  "closed",
		Detail:   map[string]string{"code": strconv.Itoa(code), "reason": reason},
	})
	session.NotifyClose(code, reason)
	s.emitClose(session, code, reason)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, identity string, status int, err error) {
	s.recordRejection(r, identity, status, err)
	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) recordRejection(r *http.Request, identity string, status int, err error) {
	s.metrics.HandshakesRejected.Add(1)
	code := string(domain.ErrorCodeOf(err))
	s.logger.Info("handshake rejected", "identity", identity, "remote_addr", r.RemoteAddr,
		"status", status, "code", code, "error", err)
	s.publish(domain.EventHandshakeRejected, identity, map[string]any{
		"status":      status,
		"code":        code,
		"remote_addr": r.RemoteAddr,
	})
	s.audit(domain.AuditEvent{
		Type:     domain.AuditHandshakeRejected,
		Actor:    identity,
		Resource: r.URL.Path,
		Action:   "upgrade",
		Outcome:  "rejected",
		Detail:   map[string]string{"code": code, "status": strconv.Itoa(status), "remote_addr": r.RemoteAddr},
	})
}

func (s *Server) emitConnection(session *ocppj.Session) {
	s.listenersMu.RLock()
	handlers := make([]ConnectionHandler, len(s.onConnection))
	copy(handlers, s.onConnection)
	s.listenersMu.RUnlock()

	for _, fn := range handlers {
		s.safeCall("connection", func() { fn(session) })
	}
}

func (s *Server) emitClose(session *ocppj.Session, code int, reason string) {
	s.listenersMu.RLock()
	handlers := make([]CloseHandler, len(s.onClose))
	copy(handlers, s.onClose)
	s.listenersMu.RUnlock()

	for _, fn := range handlers {
		s.safeCall("close", func() { fn(session, code, reason) })
	}
}

func (s *Server) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func (s *Server) publish(typ domain.EventType, identity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(s.ctx, domain.NewEvent(typ, identity, payload))
}

func (s *Server) audit(event domain.AuditEvent) {
	if s.opts.Audit == nil {
		return
	}
	if err := s.opts.Audit.Log(s.ctx, event); err != nil {
		s.logger.Warn("audit write failed", "type", string(event.Type), "error", err)
	}
}

// Broadcast sends action to every connected session concurrently and
// returns the per-identity outcome.
func (s *Server) Broadcast(ctx context.Context, action string, payload any) map[string]BroadcastResult {
	sessions := s.registry.List()
	out := make(map[string]BroadcastResult, len(sessions))
	var mu sync.Mutex
	var wg sync.WaitGroup

	s.registry.ForEach(func(session *ocppj.Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := session.Call(ctx, action, payload)
			mu.Lock()
			out[session.Identity()] = newBroadcastResult(result, err)
			mu.Unlock()
		}()
		return true
	})
	wg.Wait()
	return out
}
