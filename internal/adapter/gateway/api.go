package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/infra/middleware"
	"ocpp-gateway/internal/ocppj"
)

// Version is reported by the status endpoint; overridden at link time.
var Version = "dev"

const maxAPIBody = 1 << 20

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service      ServiceStatus     `json:"service"`
	ChargePoints ChargePointStatus `json:"chargepoints"`
	Handshakes   HandshakeStatus   `json:"handshakes"`
	RPC          RPCStatus         `json:"rpc"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Subprotocol   string `json:"subprotocol"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ChargePointStatus holds connection counts.
type ChargePointStatus struct {
	Connected   int   `json:"connected"`
	Reconnects  int64 `json:"reconnects_total"`
	Disconnects int64 `json:"disconnects_total"`
}

// HandshakeStatus holds upgrade outcomes.
type HandshakeStatus struct {
	Accepted int64 `json:"accepted_total"`
	Rejected int64 `json:"rejected_total"`
}

// RPCStatus holds call counters.
type RPCStatus struct {
	CallsSent          int64 `json:"calls_sent_total"`
	CallsReceived      int64 `json:"calls_received_total"`
	Timeouts           int64 `json:"timeouts_total"`
	ProtocolViolations int64 `json:"protocol_violations_total"`
}

// CallRequest is the body of POST /api/v1/chargepoints/{identity}/call and
// POST /api/v1/broadcast.
type CallRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// APIError is the error body returned by the operator API.
type APIError struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	OCPPCode    string          `json:"ocpp_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// BroadcastResult is one session's outcome of a broadcast.
type BroadcastResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

func newBroadcastResult(result json.RawMessage, err error) BroadcastResult {
	if err != nil {
		_, apiErr := classifyCallError(err)
		return BroadcastResult{Error: apiErr}
	}
	return BroadcastResult{Result: result}
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, middleware.SecurityHeaders, s.requireOperator)
	}
	mux.Handle("/api/v1/status", wrap(s.statusHandler))
	mux.Handle("/api/v1/chargepoints", wrap(s.listHandler))
	mux.Handle("/api/v1/chargepoints/{identity}", wrap(s.getHandler))
	mux.Handle("/api/v1/chargepoints/{identity}/call", wrap(s.callHandler))
	mux.Handle("/api/v1/broadcast", wrap(s.broadcastHandler))
	mux.Handle("/metrics", wrap(s.metricsHandler))
	for _, route := range s.apiRoutes {
		mux.Handle(route.pattern, wrap(route.handler.ServeHTTP))
	}
}

type operatorCtxKey struct{}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.opts.Operators.Authenticate(bearerToken(r))
		if err != nil {
			s.audit(domain.AuditEvent{
				Type:     domain.AuditAccessDenied,
				Resource: r.URL.Path,
				Action:   r.Method,
				Outcome:  "denied",
				Detail:   map[string]string{"remote_addr": r.RemoteAddr},
			})
			w.Header().Set("WWW-Authenticate", `Bearer realm="ocpp-gateway"`)
			writeError(w, http.StatusUnauthorized, &APIError{Code: string(domain.ErrorCodeOf(err)), Message: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorCtxKey{}, info)))
	})
}

func operatorFrom(ctx context.Context) string {
	if info, ok := ctx.Value(operatorCtxKey{}).(*OperatorInfo); ok {
		return info.Name
	}
	return ""
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m := s.metrics
	WriteJSON(w, http.StatusOK, StatusResponse{
		Service: ServiceStatus{
			Name:          "ocpp-gateway",
			Version:       Version,
			Subprotocol:   ocppj.Subprotocol16,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		},
		ChargePoints: ChargePointStatus{
			Connected:   s.registry.Len(),
			Reconnects:  m.Reconnects.Load(),
			Disconnects: m.Disconnects.Load(),
		},
		Handshakes: HandshakeStatus{
			Accepted: m.HandshakesAccepted.Load(),
			Rejected: m.HandshakesRejected.Load(),
		},
		RPC: RPCStatus{
			CallsSent:          m.CallsSent.Load(),
			CallsReceived:      m.CallsReceived.Load(),
			Timeouts:           m.CallTimeouts.Load(),
			ProtocolViolations: m.ProtocolViolations.Load(),
		},
	})
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.registry.List()
	infos := make([]ocppj.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	WriteJSON(w, http.StatusOK, infos)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.registry.Get(r.PathValue("identity"))
	if !ok {
		writeError(w, http.StatusNotFound, notFound())
		return
	}
	WriteJSON(w, http.StatusOK, session.Info())
}

func (s *Server) callHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.PathValue("identity")
	req, ok := decodeCallRequest(w, r)
	if !ok {
		return
	}
	session, found := s.registry.Get(identity)
	if !found {
		writeError(w, http.StatusNotFound, notFound())
		return
	}

	ctx, cancel := callContext(r.Context(), req)
	defer cancel()

	s.metrics.OperatorCalls.Add(1)
	result, err := session.Call(ctx, req.Action, payloadOf(req))

	outcome := "success"
	if err != nil {
		outcome = string(domain.ErrorCodeOf(err))
	}
	s.audit(domain.AuditEvent{
		Type:     domain.AuditOperatorCall,
		Actor:    operatorFrom(r.Context()),
		Resource: identity,
		Action:   req.Action,
		Outcome:  outcome,
	})

	if err != nil {
		status, apiErr := classifyCallError(err)
		s.logger.Info("operator call failed", "identity", identity, "action", req.Action, "error", err)
		writeError(w, status, apiErr)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func (s *Server) broadcastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeCallRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := callContext(r.Context(), req)
	defer cancel()

	results := s.Broadcast(ctx, req.Action, payloadOf(req))
	s.metrics.OperatorCalls.Add(int64(len(results)))
	s.audit(domain.AuditEvent{
		Type:     domain.AuditOperatorCall,
		Actor:    operatorFrom(r.Context()),
		Resource: "*",
		Action:   req.Action,
		Outcome:  "broadcast",
	})
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func decodeCallRequest(w http.ResponseWriter, r *http.Request) (CallRequest, bool) {
	var req CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &APIError{Code: string(domain.CodeInvalidInput), Message: "invalid JSON body"})
		return req, false
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, &APIError{Code: string(domain.CodeInvalidInput), Message: "action is required"})
		return req, false
	}
	return req, true
}

func callContext(parent context.Context, req CallRequest) (context.Context, context.CancelFunc) {
	if req.TimeoutMS > 0 {
		return context.WithTimeout(parent, time.Duration(req.TimeoutMS)*time.Millisecond)
	}
	return context.WithCancel(parent)
}

func payloadOf(req CallRequest) any {
	if len(req.Payload) == 0 {
		return nil
	}
	return req.Payload
}

func notFound() *APIError {
	return &APIError{Code: string(domain.CodeChargePointNotFound), Message: domain.ErrChargePointNotFound.Error()}
}

// classifyCallError maps a call failure to an HTTP status and error body.
func classifyCallError(err error) (int, *APIError) {
	apiErr := &APIError{Code: string(domain.ErrorCodeOf(err)), Message: err.Error()}

	var ce *ocppj.CallError
	var ve *ocppj.ValidationError
	switch {
	case errors.As(err, &ce):
		apiErr.Code = "REMOTE_ERROR"
		apiErr.OCPPCode = string(ce.Code)
		apiErr.Description = ce.Description
		apiErr.Details = ce.Details
		return http.StatusBadGateway, apiErr
	case errors.As(err, &ve):
		if ve.Response {
			return http.StatusBadGateway, apiErr
		}
		return http.StatusBadRequest, apiErr
	case errors.Is(err, domain.ErrPayloadInvalid):
		return http.StatusBadRequest, apiErr
	case errors.Is(err, domain.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		apiErr.Code = string(domain.CodeCallTimeout)
		return http.StatusGatewayTimeout, apiErr
	case errors.Is(err, domain.ErrTransportClosed):
		return http.StatusServiceUnavailable, apiErr
	default:
		return http.StatusInternalServerError, apiErr
	}
}

// WriteJSON writes v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, apiErr *APIError) {
	WriteJSON(w, status, map[string]*APIError{"error": apiErr})
}
