package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ocpp-gateway/internal/infra/config"
)

func TestJSONHandlerRedacts(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	log.Info("upgrade", "identity", "CP001", "password", "s3cret", "Authorization", "Basic abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "upgrade" || entry["identity"] != "CP001" {
		t.Errorf("entry = %v", entry)
	}
	if entry["password"] != redacted || entry["Authorization"] != redacted {
		t.Errorf("secrets leaked: %v", entry)
	}
}

func TestTextHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "warn"}))

	log.Info("hidden")
	log.Warn("protocol violation", "identity", "CP001")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, "protocol violation") || !strings.Contains(out, "identity=CP001") {
		t.Errorf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputStandardStreams(t *testing.T) {
	for in, want := range map[string]*os.File{"stdout": os.Stdout, "stderr": os.Stderr, "": os.Stderr} {
		w, closer, err := openOutput(in)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", in, err)
		}
		if w != want {
			t.Errorf("openOutput(%q) returned the wrong stream", in)
		}
		if err := closer(); err != nil {
			t.Errorf("closer: %v", err)
		}
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocppd.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path}, "gateway")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("charge point connected", "identity", "CP001")
	closer()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"gateway"`) {
		t.Errorf("log file = %s", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o", info.Mode().Perm())
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	if _, _, err := New(config.LoggerConfig{Output: "/nonexistent/dir/log.txt"}, ""); err == nil {
		t.Error("expected error for invalid path")
	}
}
