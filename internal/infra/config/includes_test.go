package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIncludesMergeCredentials(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "chargepoints.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "depot-a.yaml", `
auth:
  chargepoints:
    - identity: A1
      password: pa
`)
	writeFile(t, sub, "depot-b.yaml", `
auth:
  chargepoints:
    - identity: B1
      password: pb
`)
	path := writeFile(t, dir, "config.yaml", `
includes:
  - "chargepoints.d/*.yaml"
auth:
  chargepoints:
    - identity: MAIN
      password: pm
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := map[string]string{}
	for _, cp := range cfg.Auth.ChargePoints {
		got[cp.Identity] = cp.Password
	}
	if len(got) != 3 || got["MAIN"] != "pm" || got["A1"] != "pa" || got["B1"] != "pb" {
		t.Errorf("ChargePoints = %+v", cfg.Auth.ChargePoints)
	}
	if cfg.Includes != nil {
		t.Errorf("Includes not cleared: %v", cfg.Includes)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  addr: "127.0.0.1:1111"
  path_prefix: "/base/"
`)
	path := writeFile(t, dir, "config.yaml", `
includes: ["base.yaml"]
server:
  addr: "127.0.0.1:2222"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:2222" {
		t.Errorf("Addr = %q, main file should win", cfg.Server.Addr)
	}
	if cfg.Server.PathPrefix != "/base/" {
		t.Errorf("PathPrefix = %q, include should apply", cfg.Server.PathPrefix)
	}
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "leaf.yaml", "auth:\n  chargepoints:\n    - identity: LEAF\n      password: x\n")
	writeFile(t, dir, "mid.yaml", "includes: [\"leaf.yaml\"]\n")
	path := writeFile(t, dir, "config.yaml", "includes: [\"mid.yaml\"]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Auth.ChargePoints) != 1 || cfg.Auth.ChargePoints[0].Identity != "LEAF" {
		t.Errorf("ChargePoints = %+v", cfg.Auth.ChargePoints)
	}
}

func TestIncludesErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(dir string) string
		want  string
	}{
		{
			name: "circular",
			setup: func(dir string) string {
				writeFile(t, dir, "b.yaml", "includes: [\"a.yaml\"]\n")
				return writeFile(t, dir, "a.yaml", "includes: [\"b.yaml\"]\n")
			},
			want: "circular",
		},
		{
			name: "missing",
			setup: func(dir string) string {
				return writeFile(t, dir, "config.yaml", "includes: [\"nope.yaml\"]\n")
			},
			want: "nope.yaml",
		},
		{
			name: "traversal",
			setup: func(dir string) string {
				return writeFile(t, dir, "config.yaml", "includes: [\"../outside.yaml\"]\n")
			},
			want: "escapes",
		},
		{
			name: "invalid yaml",
			setup: func(dir string) string {
				writeFile(t, dir, "bad.yaml", "auth: [unclosed")
				return writeFile(t, dir, "config.yaml", "includes: [\"bad.yaml\"]\n")
			},
			want: "parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.setup(t.TempDir()))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "includes: [\"conf.d/*.yaml\"]\n")
	if _, err := Load(path); err != nil {
		t.Errorf("empty glob should not fail: %v", err)
	}
}
