package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"peerlink/codec"
	"peerlink/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
agent:
  name: orchestrator
  port: 8000

client:
  codec: cbor
  request_timeout: 250ms
  max_retries: 2

server:
  rate_limit: 50

coordinator:
  enabled: true
  top_k: 5
  health_interval: 1m
  role_weights:
    security-analysis: 1.3
  keywords:
    timeout_error: [deadline, retry]

peers:
  - name: code_agent
    addr: 127.0.0.1:8001
    role: code-analysis
  - name: log_agent
    addr: ${PEERLINK_TEST_LOG_ADDR}
    role: log-analysis
    method: suggest_fixes

store:
  type: sqlite
  path: ${PEERLINK_TEST_DIR}/sessions.db

logging:
  level: debug
  format: console

rules:
  - category: name_error
    pattern: "name '\\w+' is not defined"
    title: Define the variable
    confidence: 0.6
`

func TestLoad(t *testing.T) {
	t.Setenv("PEERLINK_TEST_LOG_ADDR", "127.0.0.1:8002")
	t.Setenv("PEERLINK_TEST_DIR", "/var/lib/peerlink")

	path := filepath.Join(t.TempDir(), "peerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orchestrator", cfg.Agent.Name)
	assert.Equal(t, registry.RoleCoordinator, cfg.Agent.Role)
	assert.Equal(t, "127.0.0.1", cfg.Agent.Host)
	assert.Equal(t, 8000, cfg.Agent.Port)

	assert.Equal(t, codec.CodecTypeCBOR, cfg.Codec())
	assert.Equal(t, 250*time.Millisecond, cfg.Client.RequestTimeout)
	assert.Equal(t, 2, cfg.Client.MaxRetries)
	assert.Equal(t, 50, cfg.Server.RateBurst)
	assert.Equal(t, time.Minute, cfg.Coordinator.HealthInterval)

	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "127.0.0.1:8002", cfg.Peers[1].Addr)
	assert.Equal(t, "suggest_fixes", cfg.Peers[1].Method)

	assert.Equal(t, "/var/lib/peerlink/sessions.db", cfg.Store.Path)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, 0.6, cfg.Rules[0].Confidence)

	opts := cfg.ClientOptions()
	assert.Equal(t, codec.CodecTypeCBOR, opts.Codec)
	assert.Equal(t, 2, opts.MaxRetries)

	copts := cfg.CoordinatorOptions()
	assert.Equal(t, 5, copts.TopK)
	require.NotNil(t, copts.Scorer)
	assert.Equal(t, 1.3, copts.Scorer.RoleWeights["security-analysis"])
	assert.Equal(t, 1.2, copts.Scorer.RoleWeights[registry.RoleCodeAnalysis])
	assert.Equal(t, []string{"deadline", "retry"}, copts.Scorer.Keywords["timeout_error"])
	assert.NotEmpty(t, copts.Scorer.Keywords["name_error"])

	logger, err := cfg.Logging.Build()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("agent:\n  name: code_agent\n"))
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Agent.Role)
	assert.Equal(t, codec.CodecTypeJSON, cfg.Codec())
	assert.Equal(t, 3, cfg.Coordinator.TopK)
	assert.Equal(t, "analyze_error", cfg.Coordinator.Method)
	assert.Equal(t, RegistryStatic, cfg.Registry.Type)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Server.RateLimit)
	assert.Zero(t, cfg.Server.RateBurst)
}

func TestUnsetVariableExpandsEmpty(t *testing.T) {
	os.Unsetenv("PEERLINK_TEST_UNSET")
	cfg, err := Parse([]byte("agent:\n  name: a${PEERLINK_TEST_UNSET}\n"))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Agent.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"missing name", "agent:\n  port: 8000\n"},
		{"unknown field", "agent:\n  name: a\n  nmae: b\n"},
		{"bad duration", "agent:\n  name: a\nclient:\n  request_timeout: soon\n"},
		{"negative duration", "agent:\n  name: a\nserver:\n  idle_timeout: -1s\n"},
		{"bad codec", "agent:\n  name: a\nclient:\n  codec: xml\n"},
		{"port range", "agent:\n  name: a\n  port: 70000\n"},
		{"top_k", "agent:\n  name: a\ncoordinator:\n  top_k: -1\n"},
		{"etcd without endpoints", "agent:\n  name: a\nregistry:\n  type: etcd\n"},
		{"unknown registry", "agent:\n  name: a\nregistry:\n  type: consul\n"},
		{"sqlite without path", "agent:\n  name: a\nstore:\n  type: sqlite\n"},
		{"unknown store", "agent:\n  name: a\nstore:\n  type: redis\n"},
		{"log format", "agent:\n  name: a\nlogging:\n  format: xml\n"},
		{"log level", "agent:\n  name: a\nlogging:\n  level: loud\n"},
		{"duplicate peer", "agent:\n  name: a\npeers:\n  - {name: p, addr: 'h:1'}\n  - {name: p, addr: 'h:2'}\n"},
		{"peer without addr", "agent:\n  name: a\npeers:\n  - {name: p}\n"},
		{"bad rule", "agent:\n  name: a\nrules:\n  - {category: x, pattern: '('}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
