package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// KeyEnv names the environment variable holding the secret passphrase.
const KeyEnv = "OCPP_CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	RPC         RPCConfig         `yaml:"rpc"`
	Auth        AuthConfig        `yaml:"auth"`
	API         APIConfig         `yaml:"api"`
	Schemas     SchemasConfig     `yaml:"schemas"`
	Events      EventsConfig      `yaml:"events"`
	Audit       AuditConfig       `yaml:"audit"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	ChargePoint ChargePointConfig `yaml:"chargepoint"`
	Includes    []string          `yaml:"includes,omitempty"`
}

// ServerConfig configures the central system listener.
type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	PathPrefix     string          `yaml:"path_prefix"`
	TLSCertFile    string          `yaml:"tls_cert_file"`
	TLSKeyFile     string          `yaml:"tls_key_file"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	ReadLimit      int64           `yaml:"read_limit"` // max frame size in bytes
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds WebSocket upgrades per client IP.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RPCConfig holds correlation engine settings shared by server and client.
type RPCConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxInFlight  int           `yaml:"max_in_flight"` // 0 = unbounded
}

// AuthConfig holds upgrade authorization settings.
type AuthConfig struct {
	Timeout      time.Duration           `yaml:"timeout"`
	Allowlist    []string                `yaml:"allowlist"`
	ChargePoints []ChargePointCredential `yaml:"chargepoints"`
	IdTags       []string                `yaml:"id_tags"` // accepted by Authorize; empty accepts all
}

// ChargePointCredential is a Basic-auth password for one identity. Password
// may be plain, a bcrypt hash or an "enc:" value.
type ChargePointCredential struct {
	Identity string `yaml:"identity"`
	Password string `yaml:"password"`
}

// APIConfig holds the operator REST API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a single operator bearer token.
type TokenConfig struct {
	Name  string   `yaml:"name"`
	Token string   `yaml:"token"`
	Roles []string `yaml:"roles,omitempty"`
}

// SchemasConfig holds payload validation settings.
type SchemasConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`    // overrides or extends the embedded schemas
	Strict  bool   `yaml:"strict"` // reject actions without a schema
}

// EventsConfig holds event export settings.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS event sink.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Servers       []string      `yaml:"servers"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Types         []string      `yaml:"types"` // empty = all events
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls how long audit entries are kept.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	MaxSize  string        `yaml:"max_size"` // "100MB"
	Schedule string        `yaml:"schedule"` // how often retention runs
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ChargePointConfig configures the device-side client.
type ChargePointConfig struct {
	Identity          string            `yaml:"identity"`
	CentralSystemURL  string            `yaml:"central_system_url"` // identity is appended
	Password          string            `yaml:"password"`
	Headers           map[string]string `yaml:"headers"`
	Vendor            string            `yaml:"vendor"`
	Model             string            `yaml:"model"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	ReconnectWait     time.Duration     `yaml:"reconnect_wait"`
	Breaker           BreakerConfig     `yaml:"breaker"`
	Tasks             []TaskConfig      `yaml:"tasks"`
}

// BreakerConfig configures the connect circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"open_for"`
}

// TaskConfig is one scheduled charge point task.
type TaskConfig struct {
	Name       string        `yaml:"name"`
	Schedule   string        `yaml:"schedule"`
	Action     string        `yaml:"action"`      // "heartbeat" or "call"
	OCPPAction string        `yaml:"ocpp_action"` // for "call"
	Payload    string        `yaml:"payload"`     // JSON object
	Timeout    time.Duration `yaml:"timeout"`
	OneShot    bool          `yaml:"one_shot"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":9220",
			PathPrefix: "/ocpp/",
			ReadLimit:  1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		RPC: RPCConfig{
			CallTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxInFlight:  1,
		},
		Auth: AuthConfig{
			Timeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
		},
		Schemas: SchemasConfig{
			Enabled: true,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Name:          "ocpp-gateway",
				SubjectPrefix: "ocpp.events",
				ReconnectWait: 500 * time.Millisecond,
				Timeout:       3 * time.Second,
			},
		},
		Audit: AuditConfig{
			Path: "./audit.jsonl",
			Retention: RetentionConfig{
				Schedule: "1h",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "stdout",
			ServiceName: "ocpp-gateway",
			SampleRatio: 1,
		},
		ChargePoint: ChargePointConfig{
			Vendor:            "ocpp-gateway",
			Model:             "simulator",
			HeartbeatInterval: 5 * time.Minute,
			ReconnectWait:     10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenFor:     30 * time.Second,
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		included, err := processIncludes(cfg, filepath.Dir(absPath), visited, 0)
		if err != nil {
			return nil, err
		}
		// The main file wins over includes; credential lists are concatenated.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Auth.ChargePoints = append(cfg.Auth.ChargePoints, included...)
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps OCPP_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("OCPP_SERVER_ADDR", &cfg.Server.Addr)
	setString("OCPP_SERVER_PATH_PREFIX", &cfg.Server.PathPrefix)
	setString("OCPP_TLS_CERT_FILE", &cfg.Server.TLSCertFile)
	setString("OCPP_TLS_KEY_FILE", &cfg.Server.TLSKeyFile)

	setDuration("OCPP_RPC_CALL_TIMEOUT", &cfg.RPC.CallTimeout)
	setDuration("OCPP_RPC_WRITE_TIMEOUT", &cfg.RPC.WriteTimeout)
	if v := os.Getenv("OCPP_RPC_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RPC.MaxInFlight = n
		}
	}

	setDuration("OCPP_AUTH_TIMEOUT", &cfg.Auth.Timeout)
	if v := os.Getenv("OCPP_AUTH_ALLOWLIST"); v != "" {
		cfg.Auth.Allowlist = splitAndTrim(v, ",")
	}

	setBool("OCPP_API_ENABLED", &cfg.API.Enabled)
	if v := os.Getenv("OCPP_API_TOKEN"); v != "" {
		cfg.API.Tokens = append(cfg.API.Tokens, TokenConfig{Name: "env", Token: v})
	}

	setBool("OCPP_SCHEMAS_ENABLED", &cfg.Schemas.Enabled)
	setBool("OCPP_SCHEMAS_STRICT", &cfg.Schemas.Strict)
	setString("OCPP_SCHEMAS_DIR", &cfg.Schemas.Dir)

	if v := os.Getenv("OCPP_NATS_URL"); v != "" {
		cfg.Events.NATS.Enabled = true
		cfg.Events.NATS.Servers = splitAndTrim(v, ",")
	}
	setString("OCPP_NATS_TOKEN", &cfg.Events.NATS.Token)
	setString("OCPP_NATS_SUBJECT_PREFIX", &cfg.Events.NATS.SubjectPrefix)

	setBool("OCPP_AUDIT_ENABLED", &cfg.Audit.Enabled)
	setString("OCPP_AUDIT_PATH", &cfg.Audit.Path)

	setString("OCPP_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("OCPP_LOGGER_FORMAT", &cfg.Logger.Format)
	setString("OCPP_LOGGER_OUTPUT", &cfg.Logger.Output)

	setBool("OCPP_TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("OCPP_TRACER_EXPORTER", &cfg.Tracer.Exporter)

	setString("OCPP_CHARGEPOINT_IDENTITY", &cfg.ChargePoint.Identity)
	setString("OCPP_CHARGEPOINT_URL", &cfg.ChargePoint.CentralSystemURL)
	setString("OCPP_CHARGEPOINT_PASSWORD", &cfg.ChargePoint.Password)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces every "enc:..." secret with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	decrypt := func(field string, dst *string) error {
		if !strings.HasPrefix(*dst, encPrefix) {
			return nil
		}
		plain, err := DecryptValue(strings.TrimPrefix(*dst, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = plain
		return nil
	}

	for i := range cfg.Auth.ChargePoints {
		cp := &cfg.Auth.ChargePoints[i]
		if err := decrypt("charge point "+cp.Identity+" password", &cp.Password); err != nil {
			return err
		}
	}
	for i := range cfg.API.Tokens {
		tok := &cfg.API.Tokens[i]
		if err := decrypt("api token "+tok.Name, &tok.Token); err != nil {
			return err
		}
	}
	if err := decrypt("nats token", &cfg.Events.NATS.Token); err != nil {
		return err
	}
	if err := decrypt("nats password", &cfg.Events.NATS.Password); err != nil {
		return err
	}
	return decrypt("chargepoint password", &cfg.ChargePoint.Password)
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
// They carry charge point passwords.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
