// Package config loads the requestgate command configuration from a YAML
// file, an optional .env file and REQUESTGATE_* environment variables, in
// that order of precedence (environment wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/requestgate"
	"github.com/giantswarm/requestgate/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REQUESTGATE_"

// DefaultEnvFile is loaded when present and no explicit env file is given.
const DefaultEnvFile = ".env"

// Config is the full command configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Gate    GateConfig    `yaml:"gate"`
	Valkey  ValkeyConfig  `yaml:"valkey"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Admin   AdminConfig   `yaml:"admin"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// GateConfig mirrors requestgate.Config in file form.
type GateConfig struct {
	FailPolicy        string        `yaml:"fail_policy"`
	MaxRequests       int           `yaml:"max_requests"`
	Window            time.Duration `yaml:"window"`
	BlockDuration     time.Duration `yaml:"block_duration"`
	BlockFile         string        `yaml:"block_file"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	TrustedHeaders    []string      `yaml:"trusted_headers"`
	TrustedProxyCount int           `yaml:"trusted_proxy_count"`
	Allowlist         []string      `yaml:"allowlist"`
	RulesFile         string        `yaml:"rules_file"`
	ExtendedRules     bool          `yaml:"extended_rules"`
	InspectHeaders    []string      `yaml:"inspect_headers"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	VerdictCacheTTL   time.Duration `yaml:"verdict_cache_ttl"`
	DisableHoneypot   bool          `yaml:"disable_honeypot"`
	HoneypotPaths     []string      `yaml:"honeypot_paths"`
	SecurityLog       LogFileConfig `yaml:"security_log"`
}

// LogFileConfig configures the rotated security log.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ValkeyConfig enables the shared block list.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// DistributedRateLimit moves the request window into Valkey as well.
	DistributedRateLimit bool `yaml:"distributed_rate_limit"`
}

// SQLiteConfig enables the durable event store.
type SQLiteConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	Token   string `yaml:"token"`
}

// MetricsConfig configures OpenTelemetry export.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	Traces       string `yaml:"traces"`
	LogClientIPs bool   `yaml:"log_client_ips"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log: LogConfig{Format: "text", Level: "info"},
		Gate: GateConfig{
			FailPolicy: string(requestgate.FailOpen),
		},
		Admin:   AdminConfig{Prefix: requestgate.DefaultAdminPrefix},
		Metrics: MetricsConfig{Path: "/metrics", Traces: "none"},
	}
}

// Load reads path (optional), then envFile (or DefaultEnvFile when it
// exists), then the process environment.
func Load(path, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(DefaultEnvFile); err == nil {
		if err := godotenv.Load(DefaultEnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", DefaultEnvFile, err)
		}
	}
	return nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from REQUESTGATE_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setString("ADDR", &c.Server.Addr)
	e.setString("LOG_FORMAT", &c.Log.Format)
	e.setString("LOG_LEVEL", &c.Log.Level)

	e.setString("FAIL_POLICY", &c.Gate.FailPolicy)
	e.setInt("MAX_REQUESTS", &c.Gate.MaxRequests)
	e.setDuration("WINDOW", &c.Gate.Window)
	e.setDuration("BLOCK_DURATION", &c.Gate.BlockDuration)
	e.setString("BLOCK_FILE", &c.Gate.BlockFile)
	e.setBool("TRUST_PROXY", &c.Gate.TrustProxy)
	e.setList("TRUSTED_HEADERS", &c.Gate.TrustedHeaders)
	e.setInt("TRUSTED_PROXY_COUNT", &c.Gate.TrustedProxyCount)
	e.setList("ALLOWLIST", &c.Gate.Allowlist)
	e.setString("RULES_FILE", &c.Gate.RulesFile)
	e.setBool("EXTENDED_RULES", &c.Gate.ExtendedRules)
	e.setDuration("VERDICT_CACHE_TTL", &c.Gate.VerdictCacheTTL)
	e.setBool("DISABLE_HONEYPOT", &c.Gate.DisableHoneypot)
	e.setString("SECURITY_LOG", &c.Gate.SecurityLog.Path)

	e.setString("VALKEY_ADDR", &c.Valkey.Address)
	e.setString("VALKEY_PASSWORD", &c.Valkey.Password)
	e.setInt("VALKEY_DB", &c.Valkey.DB)
	e.setBool("VALKEY_RATE_LIMIT", &c.Valkey.DistributedRateLimit)

	e.setString("SQLITE_PATH", &c.SQLite.Path)
	e.setDuration("SQLITE_RETENTION", &c.SQLite.Retention)

	e.setBool("ADMIN_ENABLED", &c.Admin.Enabled)
	e.setString("ADMIN_TOKEN", &c.Admin.Token)

	e.setBool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.setString("TRACES", &c.Metrics.Traces)

	return errors.Join(e.errs...)
}

// Validate checks settings the gate itself does not.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		errs = append(errs, fmt.Errorf("admin API enabled without a token (set %sADMIN_TOKEN)", EnvPrefix))
	}
	if c.Valkey.DistributedRateLimit && c.Valkey.Address == "" {
		errs = append(errs, errors.New("distributed rate limit requires a valkey address"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	return errors.Join(errs...)
}

// GateConfig converts the file settings into a requestgate.Config.
func (c *Config) GateConfig(logger *slog.Logger) requestgate.Config {
	g := c.Gate
	return requestgate.Config{
		RateLimit: requestgate.RateLimitConfig{
			MaxRequests: g.MaxRequests,
			Window:      g.Window,
		},
		Proxy: requestgate.ProxyConfig{
			TrustProxy:        g.TrustProxy,
			TrustedHeaders:    g.TrustedHeaders,
			TrustedProxyCount: g.TrustedProxyCount,
		},
		Inspection: requestgate.InspectionConfig{
			Extended:        g.ExtendedRules,
			RulesFile:       g.RulesFile,
			Headers:         g.InspectHeaders,
			MaxBodyBytes:    g.MaxBodyBytes,
			VerdictCacheTTL: g.VerdictCacheTTL,
		},
		Honeypot: requestgate.HoneypotConfig{
			Disabled: g.DisableHoneypot,
			Paths:    g.HoneypotPaths,
		},
		Block: requestgate.BlockConfig{
			Duration: g.BlockDuration,
			File:     g.BlockFile,
		},
		Monitor: requestgate.MonitorConfig{
			LogFile: security.LogFileConfig{
				Path:       g.SecurityLog.Path,
				MaxSizeMB:  g.SecurityLog.MaxSizeMB,
				MaxBackups: g.SecurityLog.MaxBackups,
				MaxAgeDays: g.SecurityLog.MaxAgeDays,
				Compress:   g.SecurityLog.Compress,
			},
		},
		Allowlist:  g.Allowlist,
		FailPolicy: requestgate.FailPolicy(g.FailPolicy),
		Logger:     logger,
	}
}

// NewLogger builds the slog logger described by c.Log, writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) setInt(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

// setList splits a comma-separated value.
func (e *envReader) setList(name string, dst *[]string) {
	if v, ok := e.get(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}
