package gateway

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"ocpp-gateway/internal/domain"
)

// Metrics tracks counters for the status API and Prometheus output. RPC
// counters are fed from the event bus and are eventually consistent.
type Metrics struct {
	HandshakesAccepted atomic.Int64
	HandshakesRejected atomic.Int64
	Reconnects         atomic.Int64
	Disconnects        atomic.Int64
	CallsSent          atomic.Int64
	CallsReceived      atomic.Int64
	CallTimeouts       atomic.Int64
	ProtocolViolations atomic.Int64
	OperatorCalls      atomic.Int64
}

func (m *Metrics) observe(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventCallSent:
		m.CallsSent.Add(1)
	case domain.EventCallReceived:
		m.CallsReceived.Add(1)
	case domain.EventCallTimeout:
		m.CallTimeouts.Add(1)
	case domain.EventProtocolViolation:
		m.ProtocolViolations.Add(1)
	case domain.EventChargePointReplaced:
		m.Reconnects.Add(1)
	case domain.EventChargePointDisconnected:
		m.Disconnects.Add(1)
	}
}

// metricsHandler serves GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := s.metrics
	gauge(w, "ocpp_chargepoints_connected", "Number of connected charge points.", int64(s.registry.Len()))
	counter(w, "ocpp_handshakes_accepted_total", "Upgrades promoted to sessions.", m.HandshakesAccepted.Load())
	counter(w, "ocpp_handshakes_rejected_total", "Upgrades rejected before or during the handshake.", m.HandshakesRejected.Load())
	counter(w, "ocpp_reconnects_total", "Connections that replaced a live connection for the same identity.", m.Reconnects.Load())
	counter(w, "ocpp_disconnects_total", "Session connections closed.", m.Disconnects.Load())
	counter(w, "ocpp_calls_sent_total", "Calls sent to charge points.", m.CallsSent.Load())
	counter(w, "ocpp_calls_received_total", "Calls received from charge points.", m.CallsReceived.Load())
	counter(w, "ocpp_call_timeouts_total", "Outbound calls that timed out.", m.CallTimeouts.Load())
	counter(w, "ocpp_protocol_violations_total", "Malformed or unmatched frames.", m.ProtocolViolations.Load())
	counter(w, "ocpp_operator_calls_total", "Calls issued through the operator API.", m.OperatorCalls.Load())

	fmt.Fprintf(w, "# HELP ocpp_uptime_seconds Seconds since the server started.\n")
	fmt.Fprintf(w, "# TYPE ocpp_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ocpp_uptime_seconds %.0f\n", time.Since(s.started).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge(w, "go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
	gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}
