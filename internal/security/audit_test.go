package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ocpp-gateway/internal/domain"
)

func newTestAuditLogger(t *testing.T) (*FileAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	return logger, path
}

func TestFileAuditLogger_WriteAndRead(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	event := domain.AuditEvent{
		Type:     domain.AuditHandshakeRejected,
		Actor:    "CP001",
		Resource: "/ocpp/CP001",
		Action:   "upgrade",
		Outcome:  "rejected",
		Detail:   map[string]string{"code": "HANDSHAKE_AUTHORIZATION_DENIED", "status": "401"},
	}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := ReadAuditLog(path)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Type != domain.AuditHandshakeRejected || got.Actor != "CP001" || got.Outcome != "rejected" {
		t.Errorf("entry = %+v", got)
	}
	if got.Detail["status"] != "401" {
		t.Errorf("Detail[status] = %q", got.Detail["status"])
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestFileAuditLogger_ConcurrentWrites(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Log(context.Background(), domain.AuditEvent{
				Type:  domain.AuditHandshakeAccepted,
				Actor: fmt.Sprintf("CP%03d", i),
			})
		}(i)
	}
	wg.Wait()
	logger.Close()

	entries, err := ReadAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 50 {
		t.Errorf("entries = %d, want 50", len(entries))
	}
}

func TestNewFileAuditLoggerInvalidPath(t *testing.T) {
	_, err := NewFileAuditLogger("/nonexistent/dir/audit.jsonl")
	if domain.ErrorCodeOf(err) != domain.CodeAuditWrite {
		t.Errorf("err = %v, want audit write error", err)
	}
}

func TestFileAuditLogger_WriteAfterClose(t *testing.T) {
	logger, _ := newTestAuditLogger(t)
	logger.Close()
	err := logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionClosed})
	if domain.ErrorCodeOf(err) != domain.CodeAuditWrite {
		t.Errorf("err = %v, want audit write error", err)
	}
}

func TestFileAuditLogger_FilePermissions(t *testing.T) {
	logger, path := newTestAuditLogger(t)
	defer logger.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestFileAuditLogger_SpanEvent(t *testing.T) {
	logger, _ := newTestAuditLogger(t)
	defer logger.Close()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	ctx, span := otel.Tracer("test").Start(context.Background(), "upgrade")
	if err := logger.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditSessionReplaced,
		Actor:   "CP001",
		Outcome: "replaced",
		Detail:  map[string]string{"remote_addr": "10.0.0.2:4000"},
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 || len(spans[0].Events) != 1 {
		t.Fatalf("spans = %+v", spans)
	}
	if name := spans[0].Events[0].Name; name != "audit.session_replaced" {
		t.Errorf("event name = %q", name)
	}
}

func TestFileAuditLogger_ObserveProtocolViolation(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	logger.Observe(context.Background(), domain.NewEvent(domain.EventCallSent, "CP001", nil))
	logger.Observe(context.Background(), domain.NewEvent(domain.EventProtocolViolation, "CP001",
		map[string]string{"error": "unmatched reply", "unique_id": "42"}))
	logger.Close()

	entries, err := ReadAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (only violations)", len(entries))
	}
	e := entries[0]
	if e.Type != domain.AuditProtocolViolation || e.Actor != "CP001" || e.Detail["unique_id"] != "42" {
		t.Errorf("entry = %+v", e)
	}
}

func TestFileAuditLogger_EnforceRetention_MaxAge(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Type:      domain.AuditHandshakeAccepted,
		Detail:    map[string]string{"age": "old"},
	})
	logger.Log(context.Background(), domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      domain.AuditSessionClosed,
		Detail:    map[string]string{"age": "new"},
	})

	logger.SetRetention(RetentionPolicy{MaxAge: time.Hour})
	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// Logging continues on the rewritten file.
	if err := logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditOperatorCall, Detail: map[string]string{"age": "new"}}); err != nil {
		t.Fatalf("Log after retention: %v", err)
	}
	logger.Close()

	entries, _ := ReadAuditLog(path)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Detail["age"] != "new" {
			t.Errorf("old entry survived: %+v", e)
		}
	}
}

func TestFileAuditLogger_EnforceRetention_MaxSize(t *testing.T) {
	logger, path := newTestAuditLogger(t)
	for i := 0; i < 20; i++ {
		logger.Log(context.Background(), domain.AuditEvent{
			Type:   domain.AuditHandshakeAccepted,
			Actor:  fmt.Sprintf("CP%03d", i),
			Detail: map[string]string{"remote_addr": "10.0.0.1:1234"},
		})
	}

	logger.SetRetention(RetentionPolicy{MaxSize: 600})
	removed, err := logger.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Error("nothing trimmed")
	}
	logger.Close()

	info, _ := os.Stat(path)
	if info.Size() > 600 {
		t.Errorf("size = %d, want <= 600", info.Size())
	}
	entries, _ := ReadAuditLog(path)
	if len(entries) == 0 || entries[len(entries)-1].Actor != "CP019" {
		t.Error("newest entries should be kept")
	}
}

func TestFileAuditLogger_EnforceRetention_NoPolicy(t *testing.T) {
	logger, _ := newTestAuditLogger(t)
	defer logger.Close()
	logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditSessionClosed})

	removed, err := logger.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("removed = %d, err = %v", removed, err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"2048", 2048, false},
		{"512B", 512, false},
		{"4KB", 4096, false},
		{"100mb", 100 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
