package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPeer() Config {
	cfg := Default()
	cfg.Identity.PartyID = "alice"
	cfg.Identity.DisplayName = "Alice"
	return cfg
}

func TestDefaultNeedsIdentity(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg = validPeer()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad party", func(c *Config) { c.Identity.PartyID = "a b" }, "identity.party_id"},
		{"no relay", func(c *Config) { c.Relay.URL = "" }, "relay.url is required"},
		{"relay scheme", func(c *Config) { c.Relay.URL = "ftp://x" }, "scheme must be http or https"},
		{"transport", func(c *Config) { c.Relay.Transport = "grpc" }, "relay.transport"},
		{"ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "call.ring_timeout_seconds"},
		{"retries", func(c *Config) { c.Call.PublishRetries = 9 }, "call.publish_retries"},
		{"stun", func(c *Config) { c.ICE.STUNServers = []string{"turn:x"} }, "ice.stun_servers"},
		{"keepalive", func(c *Config) { c.ICE.KeepaliveInterval = 60 }, "ice.keepalive_seconds"},
		{"log level", func(c *Config) { c.Viewer.LogLevel = "chatty" }, "viewer.log_level"},
		{"relay port", func(c *Config) { c.Relay.Host = true; c.Relay.Port = 0 }, "relay.port"},
		{"admin hash", func(c *Config) { c.Relay.Host = true; c.Relay.AdminPasswordHash = "plain" }, "bcrypt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validPeer()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateRelayOnly(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateRelayOnly())
	cfg.Relay.Host = true
	cfg.Relay.Bind = "0.0.0.0"
	require.NoError(t, cfg.ValidateRelayOnly())
}

func TestLoadOverlaysDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"party_id":"bob"},"call":{"ring_timeout_seconds":10}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.PartyID)
	assert.Equal(t, 10, cfg.Call.RingTimeoutSec)
	assert.Equal(t, 30, cfg.Call.ConnectTimeoutSec)
	assert.Equal(t, TransportSSE, cfg.Relay.Transport)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "goopcall.json")
	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Relay.Port, cfg.Relay.Port)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("GOOPCALL_DISPLAY_NAME=Carol From Env\n"), 0o644))

	t.Setenv(EnvPartyID, "carol")
	t.Setenv(EnvDisplayName, "")
	require.NoError(t, os.Unsetenv(EnvDisplayName))

	require.NoError(t, LoadEnvFile(envPath))
	t.Cleanup(func() { _ = os.Unsetenv(EnvDisplayName) })

	cfg := Default()
	ApplyEnv(&cfg)
	assert.Equal(t, "carol", cfg.Identity.PartyID)
	assert.Equal(t, "Carol From Env", cfg.Identity.DisplayName)

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	require.NoError(t, Save(path, validPeer()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	go func() {
		_ = Watch(ctx, path, (*Config).Validate, func(c Config) { got <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	bad := validPeer()
	bad.Call.RingTimeoutSec = -1
	require.NoError(t, Save(path, bad))
	time.Sleep(300 * time.Millisecond)

	next := validPeer()
	next.Call.RingTimeoutSec = 12
	require.NoError(t, Save(path, next))

	select {
	case c := <-got:
		assert.Equal(t, 12, c.Call.RingTimeoutSec)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
