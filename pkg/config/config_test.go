package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SELENE_PORT", "LOG_LEVEL", "SELENE_LOG_FORMAT", "SELENE_DATABASE_URL",
		"SELENE_SQLITE_PATH", "SELENE_REDIS_ADDR", "SELENE_CATALOG_DIR", "SELENE_POLICY",
		"SELENE_JWT_SECRET", "SELENE_SWEEP_INTERVAL", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_TRACES_SAMPLER_ARG", "SELENE_ARCHIVE_TYPE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "data/selene.db", cfg.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, "fs", cfg.ArchiveType)
	assert.InDelta(t, 1.0, cfg.TraceSampling, 1e-9)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SELENE_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SELENE_LOG_FORMAT", "TEXT")
	t.Setenv("SELENE_DATABASE_URL", "postgres://selene@db:5432/selene?sslmode=disable")
	t.Setenv("SELENE_SWEEP_INTERVAL", "5s")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.InDelta(t, 0.25, cfg.TraceSampling, 1e-9)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := map[string][2]string{
		"duration":   {"SELENE_SWEEP_INTERVAL", "soon"},
		"negative":   {"SELENE_SWEEP_INTERVAL", "-1s"},
		"sampling":   {"OTEL_TRACES_SAMPLER_ARG", "2"},
		"log format": {"SELENE_LOG_FORMAT", "xml"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

const policyYAML = `
gate:
  min_confidence: 0.8
  access:
    book_meeting: 'input.principal.roles.exists(r, r == "scheduler")'
  default_access: "true"
waits:
  clarify: 15m
retry:
  max_jitter_ms: 100
delivery:
  lease: 2m
engines:
  calendar.lookup:
    url: http://calendar.internal/invoke
    timeout: 2s
lanes:
  message:
    providers:
      - id: primary
        url: http://sms-a.internal/send
        rate_per_second: 20
        burst: 5
      - id: secondary
        url: http://sms-b.internal/send
    global:
      providers: [primary, secondary]
    tenant:
      t2:
        providers: [secondary]
    thresholds:
      max_failures: 3
      cooldown: 45s
`

func TestParsePolicy(t *testing.T) {
	p, err := config.ParsePolicy([]byte(policyYAML))
	require.NoError(t, err)

	assert.InDelta(t, 0.8, p.GateConfig().MinConfidence, 1e-9)
	assert.Equal(t, 15*time.Minute, p.Waits.Clarify)
	assert.Equal(t, 5*time.Minute, p.Waits.Confirm, "unset wait keeps the default")
	assert.Equal(t, int64(100), p.Retry.MaxJitterMs)
	assert.Equal(t, 2*time.Minute, p.Delivery.Lease)

	engines := p.CapabilityEngines()
	_, err = engines.Lookup("calendar.lookup")
	assert.NoError(t, err)

	lanes := p.RouterLanes()
	require.Len(t, lanes, 1)
	lane := lanes[0]
	assert.Equal(t, "message", lane.Name)
	require.Len(t, lane.Providers, 2)
	assert.Equal(t, "primary", lane.Providers[0].ID)
	assert.InDelta(t, 20.0, lane.Providers[0].RatePerSecond, 1e-9)
	assert.Equal(t, []string{"primary", "secondary"}, lane.Policy.Global.Providers)
	assert.Equal(t, []string{"secondary"}, lane.Policy.Tenant["t2"].Providers)
	assert.Equal(t, 3, lane.Policy.Thresholds.MaxFailures)
	assert.Equal(t, 45*time.Second, lane.Policy.Thresholds.Cooldown)

	_, err = p.AccessDecider()
	assert.NoError(t, err)
}

func TestParsePolicy_Empty(t *testing.T) {
	p, err := config.ParsePolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPolicy(), *p)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":        "gates: {}\n",
		"confidence range":   "gate:\n  min_confidence: 1.5\n",
		"confidence of one":  "gate:\n  min_confidence: 1\n",
		"engine without url": "engines:\n  x: {}\n",
		"lane no providers":  "lanes:\n  message:\n    global:\n      providers: []\n",
		"duplicate provider": "lanes:\n  m:\n    providers:\n      - {id: a, url: http://a}\n      - {id: a, url: http://b}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)
	assert.Contains(t, p.Lanes, "message")

	_, err = config.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
