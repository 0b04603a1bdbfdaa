package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ocpp-gateway/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const dialTimeout = 2 * time.Second

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Listen address", Fn: checkListenAddr},
		{Name: "TLS", Fn: checkTLS},
		{Name: "Charge point auth", Fn: checkChargePointAuth},
		{Name: "Operator API", Fn: checkOperatorAPI},
		{Name: "Schemas", Fn: checkSchemas},
		{Name: "Audit log", Fn: checkAudit},
		{Name: "NATS", Fn: checkNATS},
	}
	_, err := doctorReport(os.Stdout, checks, cfg)
	return err
}

// doctorReport runs checks, prints one line per result and fails when any
// check failed.
func doctorReport(w io.Writer, checks []Check, cfg *config.Config) ([]CheckResult, error) {
	fmt.Fprintln(w, "ocppd doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var pass, warn, fail int
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Fprintf(w, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return results, fmt.Errorf("%d check(s) failed", fail)
	}
	return results, nil
}

func skipped(reason string) CheckResult {
	return CheckResult{Status: StatusWarn, Message: "skipped: " + reason}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix " + cfgPath + " (see 'ocppd --help')",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults and OCPP_* overrides", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "config loaded from " + cfgPath}
	}
}

func checkListenAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Server.Addr, err),
			Fix:     "Stop the process holding the port or change server.addr",
		}
	}
	l.Close()
	return CheckResult{Status: StatusPass, Message: cfg.Server.Addr + " is available"}
}

func checkTLS(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if cfg.Server.TLSCertFile == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "TLS disabled; Basic-auth passwords travel in clear text",
			Fix:     "Set server.tls_cert_file and server.tls_key_file or terminate TLS in front of ocppd",
		}
	}
	if _, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("load key pair: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: "certificate " + cfg.Server.TLSCertFile + " loaded"}
}

func checkChargePointAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if len(cfg.Auth.ChargePoints) == 0 && len(cfg.Auth.Allowlist) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "any identity may connect",
			Fix:     "Configure auth.chargepoints or auth.allowlist",
		}
	}
	var plain int
	for _, cp := range cfg.Auth.ChargePoints {
		if !strings.HasPrefix(cp.Password, "$2") {
			plain++
		}
	}
	msg := fmt.Sprintf("%d credentials, %d allowlisted identities", len(cfg.Auth.ChargePoints), len(cfg.Auth.Allowlist))
	if plain > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s; %d plain-text passwords", msg, plain),
			Fix:     "Store bcrypt hashes or enc: values (ocppd encrypt)",
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkOperatorAPI(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if !cfg.API.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if len(cfg.API.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "enabled but no tokens; the API will not be served",
			Fix:     "Add api.tokens or set OCPP_API_TOKEN",
		}
	}
	for _, t := range cfg.API.Tokens {
		if len(t.Token) < 16 {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("token %q is shorter than 16 characters", t.Name),
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d operator tokens", len(cfg.API.Tokens))}
}

func checkSchemas(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if !cfg.Schemas.Enabled {
		return CheckResult{Status: StatusWarn, Message: "payload validation disabled"}
	}
	v, err := newValidator(cfg.Schemas)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Fix or remove the schema files in " + cfg.Schemas.Dir}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d schemas compiled", len(v.Names()))}
}

func checkAudit(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusWarn, Message: "audit trail disabled", Fix: "Set audit.enabled: true"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	f, err := os.CreateTemp(dir, ".ocppd-doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: "writing to " + cfg.Audit.Path}
}

func checkNATS(cfg *config.Config) CheckResult {
	if cfg == nil {
		return skipped("no config")
	}
	if !cfg.Events.NATS.Enabled {
		return CheckResult{Status: StatusPass, Message: "event sink disabled"}
	}
	var failed []string
	for _, s := range cfg.Events.NATS.Servers {
		host := s
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			host = u.Host
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "4222")
		}
		conn, err := net.DialTimeout("tcp", host, dialTimeout)
		if err != nil {
			failed = append(failed, s)
			continue
		}
		conn.Close()
	}
	if len(failed) == len(cfg.Events.NATS.Servers) {
		return CheckResult{
			Status:  StatusFail,
			Message: "no NATS server reachable: " + strings.Join(failed, ", "),
		}
	}
	if len(failed) > 0 {
		return CheckResult{Status: StatusWarn, Message: "unreachable: " + strings.Join(failed, ", ")}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d servers reachable", len(cfg.Events.NATS.Servers))}
}
