package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nhooyr.io/websocket/wsjson"

	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/ocppj"
)

const testToken = "op-token"

func apiServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(nil, Options{
		PathPrefix: "/ocpp/",
		Operators:  NewStaticTokenAuth([]OperatorToken{{Token: testToken, Name: "ops"}}),
	}, quietLogger())
}

func apiRequest(method, path, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer "+testToken)
	return r
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var body struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}

func TestAPIRequiresToken(t *testing.T) {
	audit := &memAudit{}
	srv := NewServer(nil, Options{
		Operators: NewStaticTokenAuth([]OperatorToken{{Token: testToken}}),
		Audit:     audit,
	}, quietLogger())
	h := srv.Handler()

	for _, path := range []string{"/api/v1/status", "/api/v1/chargepoints", "/metrics"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("%s: missing WWW-Authenticate", path)
		}
	}
	if !audit.has(domain.AuditAccessDenied) {
		t.Error("denied access not audited")
	}
}

func TestAPIDisabledWithoutOperators(t *testing.T) {
	srv := NewServer(nil, Options{PathPrefix: "/ocpp/"}, quietLogger())
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, apiRequest(http.MethodGet, "/api/v1/status", ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAPIStatus(t *testing.T) {
	srv := apiServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, apiRequest(http.MethodGet, "/api/v1/status", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service.Name != "ocpp-gateway" || resp.Service.Subprotocol != ocppj.Subprotocol16 {
		t.Errorf("service = %+v", resp.Service)
	}
	if resp.ChargePoints.Connected != 0 {
		t.Errorf("connected = %d", resp.ChargePoints.Connected)
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	srv := apiServer(t)
	h := srv.Handler()
	tests := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/status"},
		{http.MethodDelete, "/api/v1/chargepoints"},
		{http.MethodGet, "/api/v1/chargepoints/CP001/call"},
		{http.MethodGet, "/api/v1/broadcast"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, apiRequest(tt.method, tt.path, ""))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tt.method, tt.path, w.Code)
		}
	}
}

func TestAPIUnknownChargePoint(t *testing.T) {
	srv := apiServer(t)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, apiRequest(http.MethodGet, "/api/v1/chargepoints/CP404", ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("get: status = %d", w.Code)
	}
	if e := decodeAPIError(t, w); e.Code != string(domain.CodeChargePointNotFound) {
		t.Errorf("code = %s", e.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, apiRequest(http.MethodPost, "/api/v1/chargepoints/CP404/call", `{"action":"Reset"}`))
	if w.Code != http.StatusNotFound {
		t.Errorf("call: status = %d", w.Code)
	}
}

func TestAPICallBadBody(t *testing.T) {
	srv := apiServer(t)
	h := srv.Handler()
	for _, body := range []string{"{", `{"payload":{}}`} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, apiRequest(http.MethodPost, "/api/v1/chargepoints/CP001/call", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestClassifyCallError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"remote", ocppj.NewError(ocppj.NotSupported, "nope", nil), http.StatusBadGateway, "REMOTE_ERROR"},
		{"bad response", &ocppj.ValidationError{Action: "Reset", Response: true}, http.StatusBadGateway, string(domain.CodePayloadInvalid)},
		{"bad request", &ocppj.ValidationError{Action: "Reset"}, http.StatusBadRequest, string(domain.CodePayloadInvalid)},
		{"timeout", domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrCallTimeout, "Reset"), http.StatusGatewayTimeout, string(domain.CodeCallTimeout)},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, string(domain.CodeCallTimeout)},
		{"closed", domain.ErrNotConnected, http.StatusServiceUnavailable, string(domain.CodeNotConnected)},
		{"other", errors.New("boom"), http.StatusInternalServerError, string(domain.CodeUnknown)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, apiErr := classifyCallError(tt.err)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if apiErr.Code != tt.code {
				t.Errorf("code = %s, want %s", apiErr.Code, tt.code)
			}
		})
	}
}

func TestAPICallLiveChargePoint(t *testing.T) {
	srv := startTestServer(t, &testBus{}, Options{
		Operators: NewStaticTokenAuth([]OperatorToken{{Token: testToken, Name: "ops"}}),
	})
	ws := mustDial(t, srv, "/ocpp/CP001")
	waitUntil(t, func() bool { return srv.Registry().Len() == 1 })

	go func() {
		ctx := context.Background()
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		f, err := ocppj.Decode(data)
		if err != nil {
			return
		}
		if f.Action == "RemoteStartTransaction" {
			wsjson.Write(ctx, ws, []any{3, f.UniqueID, map[string]string{"status": "Accepted"}})
			return
		}
		wsjson.Write(ctx, ws, []any{4, f.UniqueID, "NotImplemented", "unexpected", map[string]any{}})
	}()

	body := `{"action":"RemoteStartTransaction","payload":{"idTag":"ABC123","connectorId":1},"timeout_ms":2000}`
	req, _ := http.NewRequest(http.MethodPost, "http://"+srv.BoundAddr()+"/api/v1/chargepoints/CP001/call", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Result map[string]string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result["status"] != "Accepted" {
		t.Errorf("result = %v", out.Result)
	}
	if srv.Metrics().OperatorCalls.Load() != 1 {
		t.Errorf("operator calls = %d", srv.Metrics().OperatorCalls.Load())
	}

	// The list endpoint reports the live session.
	req, _ = http.NewRequest(http.MethodGet, "http://"+srv.BoundAddr()+"/api/v1/chargepoints", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var infos []ocppj.SessionInfo
	json.NewDecoder(resp2.Body).Decode(&infos)
	if len(infos) != 1 || infos[0].Identity != "CP001" || !infos[0].Connected {
		t.Errorf("infos = %+v", infos)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := apiServer(t)
	srv.Metrics().HandshakesAccepted.Add(2)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, apiRequest(http.MethodGet, "/metrics", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ocpp_handshakes_accepted_total 2") {
		t.Errorf("metrics body:\n%s", w.Body.String())
	}
}

func TestRegisterAPIRoute(t *testing.T) {
	srv := apiServer(t)
	srv.RegisterAPIRoute("/api/v1/stations/{identity}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"identity": r.PathValue("identity")})
	}))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, apiRequest(http.MethodGet, "/api/v1/stations/CP001", ""))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"CP001"`) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") == "" {
		t.Error("security headers missing on extension route")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stations/CP001", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
}
