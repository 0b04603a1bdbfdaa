package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateRPC(cfg, ve)
	validateAuth(cfg, ve)
	validateAPI(cfg, ve)
	validateEvents(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateChargePoint(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", s.Addr, err)
	}
	if !strings.HasPrefix(s.PathPrefix, "/") {
		ve.Add("server.path_prefix %q must start with /", s.PathPrefix)
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		ve.Add("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if s.ReadLimit < 0 {
		ve.Add("server.read_limit must be >= 0")
	}
	if s.RateLimit.RequestsPerMin > 0 && s.RateLimit.Burst <= 0 {
		ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	for _, p := range s.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				ve.Add("server.rate_limit.trusted_proxies: %q is not an IP or CIDR", p)
			}
		}
	}
}

func validateRPC(cfg *Config, ve *ValidationError) {
	if cfg.RPC.CallTimeout <= 0 {
		ve.Add("rpc.call_timeout must be > 0")
	}
	if cfg.RPC.WriteTimeout < 0 {
		ve.Add("rpc.write_timeout must be >= 0")
	}
	if cfg.RPC.MaxInFlight < 0 {
		ve.Add("rpc.max_in_flight must be >= 0")
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	if cfg.Auth.Timeout <= 0 {
		ve.Add("auth.timeout must be > 0")
	}
	seen := make(map[string]bool, len(cfg.Auth.ChargePoints))
	for i, cp := range cfg.Auth.ChargePoints {
		if cp.Identity == "" {
			ve.Add("auth.chargepoints[%d].identity must not be empty", i)
			continue
		}
		if seen[cp.Identity] {
			ve.Add("auth.chargepoints: duplicate identity %q", cp.Identity)
		}
		seen[cp.Identity] = true
		if cp.Password == "" {
			ve.Add("auth.chargepoints[%s].password must not be empty", cp.Identity)
		}
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool, len(cfg.API.Tokens))
	for i, t := range cfg.API.Tokens {
		if t.Token == "" {
			ve.Add("api.tokens[%d].token must not be empty", i)
		}
		if t.Name != "" {
			if names[t.Name] {
				ve.Add("api.tokens: duplicate name %q", t.Name)
			}
			names[t.Name] = true
		}
	}
}

func validateEvents(cfg *Config, ve *ValidationError) {
	n := cfg.Events.NATS
	if !n.Enabled {
		return
	}
	if len(n.Servers) == 0 {
		ve.Add("events.nats.servers must not be empty when nats is enabled")
	}
	if n.SubjectPrefix == "" || strings.ContainsAny(n.SubjectPrefix, " *>") {
		ve.Add("events.nats.subject_prefix %q is not a valid subject", n.SubjectPrefix)
	}
	if n.Token != "" && n.User != "" {
		ve.Add("events.nats: token and user are mutually exclusive")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("audit.path must not be empty when audit is enabled")
	}
	if a.Retention.MaxAge < 0 {
		ve.Add("audit.retention.max_age must be >= 0")
	}
	if a.Retention.MaxSize != "" {
		if !validSize(a.Retention.MaxSize) {
			ve.Add("audit.retention.max_size %q is not a size (e.g. 100MB)", a.Retention.MaxSize)
		}
	}
	if a.Retention.Schedule != "" && !validSchedule(a.Retention.Schedule) {
		ve.Add("audit.retention.schedule %q is neither a cron expression nor a duration", a.Retention.Schedule)
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

var validTaskActions = map[string]bool{"heartbeat": true, "call": true}

// validateChargePoint only checks the client section when it names an
// identity; a gateway-only deployment leaves it empty.
func validateChargePoint(cfg *Config, ve *ValidationError) {
	cp := cfg.ChargePoint
	if cp.Identity == "" {
		return
	}
	if cp.CentralSystemURL == "" {
		ve.Add("chargepoint.central_system_url must not be empty")
	} else if u, err := url.Parse(cp.CentralSystemURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		ve.Add("chargepoint.central_system_url %q must be a ws:// or wss:// URL", cp.CentralSystemURL)
	}
	if cp.HeartbeatInterval < 0 {
		ve.Add("chargepoint.heartbeat_interval must be >= 0")
	}
	if cp.Breaker.MaxFailures == 0 {
		ve.Add("chargepoint.breaker.max_failures must be > 0")
	}

	names := make(map[string]bool, len(cp.Tasks))
	for i, t := range cp.Tasks {
		label := t.Name
		if label == "" {
			ve.Add("chargepoint.tasks[%d].name must not be empty", i)
			label = fmt.Sprintf("%d", i)
		} else if names[t.Name] {
			ve.Add("chargepoint.tasks: duplicate name %q", t.Name)
		}
		names[t.Name] = true

		if !validTaskActions[t.Action] {
			ve.Add("chargepoint.tasks[%s].action %q must be heartbeat or call", label, t.Action)
		}
		if t.Action == "call" && t.OCPPAction == "" {
			ve.Add("chargepoint.tasks[%s].ocpp_action is required for call tasks", label)
		}
		if t.Payload != "" && !json.Valid([]byte(t.Payload)) {
			ve.Add("chargepoint.tasks[%s].payload is not valid JSON", label)
		}
		if !validSchedule(t.Schedule) {
			ve.Add("chargepoint.tasks[%s].schedule %q is neither a cron expression nor a duration", label, t.Schedule)
		}
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validSchedule(s string) bool {
	if s == "" {
		return false
	}
	if _, err := cronParser.Parse(s); err == nil {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func validSize(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, suffix := range []string{"GB", "MB", "KB", "B"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
