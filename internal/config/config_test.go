package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv applies env overrides to cfg the same way Load() does.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "RISKCHECK_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":5000", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Empty(t, cfg.GRPC.HealthAddress)
		assert.True(t, cfg.RateLimit.Enabled)
		assert.Equal(t, int64(120), cfg.RateLimit.PerMinute)
		assert.Equal(t, int64(2000), cfg.RateLimit.PerHour)
		assert.Equal(t, "5m", cfg.RateLimit.BlockDuration)
		assert.Equal(t, 0, cfg.RateLimit.Burst)
		assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
		assert.Equal(t, "60s", cfg.CircuitBreaker.FailureWindow)
		assert.Equal(t, "5m", cfg.CircuitBreaker.OpenDuration)
		assert.Equal(t, 3, cfg.CircuitBreaker.HalfOpenProbes)
		assert.Equal(t, int64(150), cfg.Admission.MaxConcurrent)
		assert.Equal(t, uint64(300<<20), cfg.Admission.MaxMemoryBytes)
		assert.Equal(t, 25000, cfg.Admission.MaxCacheEntries)
		assert.Equal(t, "6h", cfg.Cache.SuccessTTL)
		assert.Equal(t, "30s", cfg.Fetch.Timeout)
		assert.False(t, cfg.Fetch.TLSInsecureSkipVerify)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "riskcheck", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})

	t.Run("ships the four public sources in order", func(t *testing.T) {
		cfg := Defaults()
		keys := make([]string, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			keys = append(keys, s.Key)
		}
		assert.Equal(t, []string{"aa", "ab", "ac", "usom"}, keys)
	})

	t.Run("defaults pass validation", func(t *testing.T) {
		assert.NoError(t, Validate(Defaults()))
	})

	t.Run("mutating defaults does not leak into DefaultSources", func(t *testing.T) {
		cfg := Defaults()
		cfg.Sources[0].Key = "changed"
		assert.Equal(t, "aa", DefaultSources[0].Key)
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":7000"
rate_limit:
  per_minute: 30
  per_hour: 500
  block_duration: "10m"
  burst: 5
circuit_breaker:
  failure_threshold: 2
sources:
  - key: "local"
    url: "http://lists.internal/hosts.txt"
fallback:
  hosts: ["bad.example", "worse.example"]
logging:
  level: "Debug"
  format: "TEXT"
`
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))
		t.Setenv("RISKCHECK_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":7000", cfg.Server.Address)
		assert.Equal(t, int64(30), cfg.RateLimit.PerMinute)
		assert.Equal(t, int64(500), cfg.RateLimit.PerHour)
		assert.Equal(t, "10m", cfg.RateLimit.BlockDuration)
		assert.Equal(t, 5, cfg.RateLimit.Burst)
		assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
		assert.Equal(t, 3, cfg.CircuitBreaker.HalfOpenProbes, "unset fields keep defaults")
		assert.Equal(t, []SourceConfig{{Key: "local", URL: "http://lists.internal/hosts.txt"}}, cfg.Sources)
		assert.Equal(t, []string{"bad.example", "worse.example"}, cfg.Fallback.Hosts)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("file without sources keeps default sources", func(t *testing.T) {
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("server:\n  address: \":7001\"\n"), 0o644))

		cfg, err := LoadFromPath(cfgFile)
		require.NoError(t, err)
		assert.Len(t, cfg.Sources, len(DefaultSources))
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":5000", cfg.Server.Address)
	})

	t.Run("malformed YAML is an error", func(t *testing.T) {
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("server: [unclosed"), 0o644))

		_, err := LoadFromPath(cfgFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("invalid values are rejected after load", func(t *testing.T) {
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("circuit_breaker:\n  failure_threshold: 0\n"), 0o644))

		_, err := LoadFromPath(cfgFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failure_threshold")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides scalar fields", func(t *testing.T) {
		t.Setenv("RISKCHECK_SERVER_ADDRESS", ":6000")
		t.Setenv("RISKCHECK_RATE_LIMIT_PER_MINUTE", "60")
		t.Setenv("RISKCHECK_RATE_LIMIT_TRUST_PROXY_HEADERS", "false")
		t.Setenv("RISKCHECK_ADMISSION_MAX_CONCURRENT", "10")
		t.Setenv("RISKCHECK_FETCH_TLS_INSECURE_SKIP_VERIFY", "true")
		t.Setenv("RISKCHECK_GRPC_HEALTH_ADDRESS", ":9091")

		cfg := Defaults()
		parseEnv(t, cfg)

		assert.Equal(t, ":6000", cfg.Server.Address)
		assert.Equal(t, int64(60), cfg.RateLimit.PerMinute)
		assert.False(t, cfg.RateLimit.TrustProxyHeaders)
		assert.Equal(t, int64(10), cfg.Admission.MaxConcurrent)
		assert.True(t, cfg.Fetch.TLSInsecureSkipVerify)
		assert.Equal(t, ":9091", cfg.GRPC.HealthAddress)
	})

	t.Run("env splits fallback lists", func(t *testing.T) {
		t.Setenv("RISKCHECK_FALLBACK_HOSTS", "a.example,b.example")

		cfg := Defaults()
		parseEnv(t, cfg)

		assert.Equal(t, []string{"a.example", "b.example"}, cfg.Fallback.Hosts)
	})

	t.Run("env wins over file", func(t *testing.T) {
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("logging:\n  level: warn\n"), 0o644))
		t.Setenv("RISKCHECK_LOGGING_LEVEL", "ERROR")

		cfg, err := LoadFromPath(cfgFile)
		require.NoError(t, err)
		assert.Equal(t, LogLevelError, cfg.Logging.Level)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.RateLimit.BlockDuration = "soon" },
			wantErr: "rate_limit.block_duration",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Cache.FailureTTL = "-1s" },
			wantErr: "must not be negative",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.Server.TLS.Enabled = true },
			wantErr: "cert_file",
		},
		{
			name:    "http3 without tls",
			mutate:  func(c *Config) { c.Server.TLS.HTTP3Enabled = true },
			wantErr: "http3_enabled",
		},
		{
			name:    "bad tls version",
			mutate:  func(c *Config) { c.Server.TLS.MinVersion = "1.1" },
			wantErr: "min_version",
		},
		{
			name:    "negative per minute",
			mutate:  func(c *Config) { c.RateLimit.PerMinute = -1 },
			wantErr: "per_minute",
		},
		{
			name: "bad warmup schedule",
			mutate: func(c *Config) {
				c.Warmup.Enabled = true
				c.Warmup.Schedule = "whenever"
			},
			wantErr: "warmup.schedule",
		},
		{
			name:    "negative burst",
			mutate:  func(c *Config) { c.RateLimit.Burst = -1 },
			wantErr: "burst",
		},
		{
			name:    "zero half-open probes",
			mutate:  func(c *Config) { c.CircuitBreaker.HalfOpenProbes = 0 },
			wantErr: "half_open_probes",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Admission.MaxConcurrent = 0 },
			wantErr: "max_concurrent",
		},
		{
			name:    "zero cache entries",
			mutate:  func(c *Config) { c.Admission.MaxCacheEntries = 0 },
			wantErr: "max_cache_entries",
		},
		{
			name:    "empty source key",
			mutate:  func(c *Config) { c.Sources = []SourceConfig{{URL: "http://x.example/l"}} },
			wantErr: "key is required",
		},
		{
			name: "duplicate source key",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{{Key: "a", URL: "http://x.example/1"}, {Key: "a", URL: "http://x.example/2"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "reserved source key",
			mutate:  func(c *Config) { c.Sources = []SourceConfig{{Key: FallbackSourceKey, URL: "http://x.example/l"}} },
			wantErr: "reserved",
		},
		{
			name:    "relative source url",
			mutate:  func(c *Config) { c.Sources = []SourceConfig{{Key: "a", URL: "/list.txt"}} },
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "ftp source url",
			mutate:  func(c *Config) { c.Sources = []SourceConfig{{Key: "a", URL: "ftp://x.example/l"}} },
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "tracing without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true },
			wantErr: "tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("empty source list is allowed", func(t *testing.T) {
		cfg := Defaults()
		cfg.Sources = []SourceConfig{}
		assert.NoError(t, Validate(cfg))
	})
}

func TestNormalize(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Level = "WARN"
	cfg.Logging.Format = "Text"
	cfg.Server.TLS.MinVersion = "TLS13"
	cfg.Sources = []SourceConfig{{Key: " a ", URL: " http://x.example/l "}}

	cfg.normalize()

	assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
	assert.Equal(t, SourceConfig{Key: "a", URL: "http://x.example/l"}, cfg.Sources[0])
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("90s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("bogus", time.Second)
	assert.Error(t, err)
}

func TestMustParseDuration(t *testing.T) {
	assert.Equal(t, time.Minute, MustParseDuration("1m", time.Second))
	assert.Equal(t, time.Second, MustParseDuration("bogus", time.Second))
	assert.Equal(t, time.Second, MustParseDuration("", time.Second))
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config", func(t *testing.T) {
		assert.Nil(t, Defaults().RequiresRestart(nil))
	})

	t.Run("hot-reloadable changes need no restart", func(t *testing.T) {
		old := Defaults()
		cfg := Defaults()
		cfg.RateLimit.PerMinute = 10
		cfg.CircuitBreaker.OpenDuration = "1m"
		cfg.Logging.Level = LogLevelDebug
		cfg.Fallback.Hosts = []string{"x.example"}
		assert.Empty(t, cfg.RequiresRestart(old))
	})

	t.Run("listener and source changes are reported", func(t *testing.T) {
		old := Defaults()
		cfg := Defaults()
		cfg.Server.Address = ":1"
		cfg.Sources = cfg.Sources[:1]
		cfg.Admission.MaxConcurrent = 1

		got := cfg.RequiresRestart(old)
		assert.Contains(t, got, "server.address")
		assert.Contains(t, got, "sources")
		assert.Contains(t, got, "admission")
	})
}

func TestEnumValid(t *testing.T) {
	assert.True(t, LogLevelDebug.Valid())
	assert.False(t, LogLevel("trace").Valid())
	assert.True(t, LogFormatJSON.Valid())
	assert.False(t, LogFormat("yaml").Valid())
	assert.True(t, TLSVersion("").Valid())
	assert.True(t, TLSVersion12.Valid())
	assert.False(t, TLSVersion("1.0").Valid())
}
