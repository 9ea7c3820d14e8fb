// Package config handles loading and validation of riskcheck configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// RISKCHECK_ prefix:
//
//	server.address → RISKCHECK_SERVER_ADDRESS
//	rate_limit.per_minute → RISKCHECK_RATE_LIMIT_PER_MINUTE
//
// The ordered source list is YAML-only; every scalar option has an env form.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via RISKCHECK_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/riskcheck/config.yaml"

// FallbackSourceKey is the distinguished match key reported for hosts found
// in the static fallback set. No remote source may use it.
const FallbackSourceKey = "local-fallback"

// ---------------------------------------------------------------------------
// Enum types. Canonical forms are lowercase; Load() normalizes.
// ---------------------------------------------------------------------------

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level riskcheck configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"          envPrefix:"SERVER_"`
	Admin          AdminConfig          `yaml:"admin"           envPrefix:"ADMIN_"`
	GRPC           GRPCConfig           `yaml:"grpc"            envPrefix:"GRPC_"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"      envPrefix:"RATE_LIMIT_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
	Admission      AdmissionConfig      `yaml:"admission"       envPrefix:"ADMISSION_"`
	Cache          CacheConfig          `yaml:"cache"           envPrefix:"CACHE_"`
	Store          StoreConfig          `yaml:"store"           envPrefix:"STORE_"`
	Fetch          FetchConfig          `yaml:"fetch"           envPrefix:"FETCH_"`
	Sources        []SourceConfig       `yaml:"sources"`
	Fallback       FallbackConfig       `yaml:"fallback"        envPrefix:"FALLBACK_"`
	Warmup         WarmupConfig         `yaml:"warmup"          envPrefix:"WARMUP_"`
	Logging        LoggingConfig        `yaml:"logging"         envPrefix:"LOGGING_"`
	Tracing        TracingConfig        `yaml:"tracing"         envPrefix:"TRACING_"`
}

// ServerConfig holds the public lookup API server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// GRPCConfig holds the optional gRPC health endpoint settings.
type GRPCConfig struct {
	// HealthAddress enables the standard grpc.health.v1 service on this
	// address. Empty disables it.
	HealthAddress string `yaml:"health_address" env:"HEALTH_ADDRESS"`
}

// RateLimitConfig holds per-client fixed-window rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	PerMinute     int64  `yaml:"per_minute"     env:"PER_MINUTE"`
	PerHour       int64  `yaml:"per_hour"       env:"PER_HOUR"`
	BlockDuration string `yaml:"block_duration" env:"BLOCK_DURATION"`

	// Burst caps requests per second per client with a token bucket of the
	// same size. 0 disables the per-second gate; only the minute and hour
	// windows apply.
	Burst int `yaml:"burst" env:"BURST"`

	// TrustProxyHeaders controls whether X-Forwarded-For and X-Real-IP are
	// honoured when identifying the client. Disable when the service is
	// exposed directly.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
}

// CircuitBreakerConfig holds per-upstream circuit breaker tuning.
type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	FailureWindow    string `yaml:"failure_window"    env:"FAILURE_WINDOW"`
	OpenDuration     string `yaml:"open_duration"     env:"OPEN_DURATION"`
	HalfOpenProbes   int    `yaml:"half_open_probes"  env:"HALF_OPEN_PROBES"`
}

// AdmissionConfig bounds global concurrency, memory and cache size.
type AdmissionConfig struct {
	MaxConcurrent        int64  `yaml:"max_concurrent"         env:"MAX_CONCURRENT"`
	MaxMemoryBytes       uint64 `yaml:"max_memory_bytes"       env:"MAX_MEMORY_BYTES"`
	MaxCacheEntries      int    `yaml:"max_cache_entries"      env:"MAX_CACHE_ENTRIES"`
	MemorySampleInterval string `yaml:"memory_sample_interval" env:"MEMORY_SAMPLE_INTERVAL"`
}

// CacheConfig holds blocklist cache lifetimes.
type CacheConfig struct {
	// SuccessTTL is how long a successfully fetched list is served.
	SuccessTTL string `yaml:"success_ttl" env:"SUCCESS_TTL"`
	// FailureTTL is how long an empty placeholder is kept after a failed
	// refresh, so the next lookup retries soon.
	FailureTTL string `yaml:"failure_ttl" env:"FAILURE_TTL"`
}

// StoreConfig holds the shared key-value store settings.
type StoreConfig struct {
	MaxCostBytes int64 `yaml:"max_cost_bytes" env:"MAX_COST_BYTES"`
}

// FetchConfig holds the outbound blocklist download settings.
type FetchConfig struct {
	Timeout               string `yaml:"timeout"                  env:"TIMEOUT"`
	MaxBodyBytes          int64  `yaml:"max_body_bytes"           env:"MAX_BODY_BYTES"`
	UserAgent             string `yaml:"user_agent"               env:"USER_AGENT"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// SourceConfig names one remote blocklist.
type SourceConfig struct {
	Key string `yaml:"key"`
	URL string `yaml:"url"`
}

// FallbackConfig lists the static hosts consulted before any remote source.
type FallbackConfig struct {
	Hosts []string `yaml:"hosts" env:"HOSTS" envSeparator:","`
	Files []string `yaml:"files" env:"FILES" envSeparator:","`
}

// WarmupConfig controls scheduled background refresh of every source.
type WarmupConfig struct {
	Enabled  bool   `yaml:"enabled"  env:"ENABLED"`
	Schedule string `yaml:"schedule" env:"SCHEDULE"`
	OnStart  bool   `yaml:"on_start" env:"ON_START"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// DefaultSources are the lists consulted when no sources are configured.
var DefaultSources = []SourceConfig{
	{Key: "aa", URL: "https://raw.githubusercontent.com/romainmarcoux/malicious-domains/main/full-domains-aa.txt"},
	{Key: "ab", URL: "https://raw.githubusercontent.com/romainmarcoux/malicious-domains/main/full-domains-ab.txt"},
	{Key: "ac", URL: "https://raw.githubusercontent.com/romainmarcoux/malicious-domains/main/full-domains-ac.txt"},
	{Key: "usom", URL: "https://www.usom.gov.tr/url-list.txt"},
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":5000",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			PerMinute:         120,
			PerHour:           2000,
			BlockDuration:     "5m",
			TrustProxyHeaders: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    "60s",
			OpenDuration:     "5m",
			HalfOpenProbes:   3,
		},
		Admission: AdmissionConfig{
			MaxConcurrent:        150,
			MaxMemoryBytes:       300 << 20,
			MaxCacheEntries:      25000,
			MemorySampleInterval: "1s",
		},
		Cache: CacheConfig{
			SuccessTTL: "6h",
			FailureTTL: "2m",
		},
		Store: StoreConfig{
			MaxCostBytes: 512 << 20,
		},
		Fetch: FetchConfig{
			Timeout:      "30s",
			MaxBodyBytes: 64 << 20,
			UserAgent:    "riskcheck",
		},
		Sources: append([]SourceConfig(nil), DefaultSources...),
		Warmup: WarmupConfig{
			Schedule: "@every 6h",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "riskcheck",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("RISKCHECK_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/riskcheck/config.yaml and
// can be overridden via RISKCHECK_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		// A sources list in YAML replaces the defaults rather than merging
		// element-wise into them.
		cfg.Sources = nil
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
		if cfg.Sources == nil {
			cfg.Sources = append([]SourceConfig(nil), DefaultSources...)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "RISKCHECK_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and source keys so that YAML values like
// "Debug" or env values like "JSON" match the canonical constants.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	for i := range cfg.Sources {
		cfg.Sources[i].Key = strings.TrimSpace(cfg.Sources[i].Key)
		cfg.Sources[i].URL = strings.TrimSpace(cfg.Sources[i].URL)
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateCircuitBreaker(cfg); err != nil {
		return err
	}
	if err := validateAdmission(cfg); err != nil {
		return err
	}
	if err := validateSources(cfg); err != nil {
		return err
	}
	if err := validateWarmup(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"rate_limit.block_duration", cfg.RateLimit.BlockDuration},
		{"circuit_breaker.failure_window", cfg.CircuitBreaker.FailureWindow},
		{"circuit_breaker.open_duration", cfg.CircuitBreaker.OpenDuration},
		{"admission.memory_sample_interval", cfg.Admission.MemorySampleInterval},
		{"cache.success_ttl", cfg.Cache.SuccessTTL},
		{"cache.failure_ttl", cfg.Cache.FailureTTL},
		{"fetch.timeout", cfg.Fetch.Timeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.PerMinute < 0 || rl.PerHour < 0 {
		return fmt.Errorf("rate_limit.per_minute and rate_limit.per_hour must be >= 0")
	}
	if rl.Burst < 0 {
		return fmt.Errorf("rate_limit.burst must be >= 0")
	}
	return nil
}

func validateCircuitBreaker(cfg *Config) error {
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cb.HalfOpenProbes < 1 {
		return fmt.Errorf("circuit_breaker.half_open_probes must be >= 1")
	}
	return nil
}

func validateAdmission(cfg *Config) error {
	a := cfg.Admission
	if a.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be >= 1")
	}
	if a.MaxCacheEntries < 1 {
		return fmt.Errorf("admission.max_cache_entries must be >= 1")
	}
	return nil
}

func validateSources(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, s := range cfg.Sources {
		if s.Key == "" {
			return fmt.Errorf("sources[%d].key is required", i)
		}
		if s.Key == FallbackSourceKey {
			return fmt.Errorf("sources[%d].key %q is reserved for the fallback list", i, s.Key)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("sources[%d].key %q is duplicated", i, s.Key)
		}
		seen[s.Key] = struct{}{}

		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid sources[%d].url %q: %w", i, s.URL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid sources[%d].url %q: absolute http(s) URL required", i, s.URL)
		}
	}
	return nil
}

func validateWarmup(cfg *Config) error {
	if !cfg.Warmup.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(cfg.Warmup.Schedule); err != nil {
		return fmt.Errorf("invalid warmup.schedule %q: %w", cfg.Warmup.Schedule, err)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. Rate-limit, circuit
// breaker, logging level and fallback settings are hot-reloaded.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.GRPC.HealthAddress != old.GRPC.HealthAddress {
		fields = append(fields, "grpc.health_address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Admission != old.Admission {
		fields = append(fields, "admission")
	}
	if c.Cache != old.Cache {
		fields = append(fields, "cache")
	}
	if !sourcesEqual(c.Sources, old.Sources) {
		fields = append(fields, "sources")
	}
	return fields
}

func sourcesEqual(a, b []SourceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
