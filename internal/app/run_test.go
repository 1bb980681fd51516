package app

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/config"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":7777":          "127.0.0.1:7777",
		"0.0.0.0:7777":   "127.0.0.1:7777",
		" 127.0.0.1:80 ": "127.0.0.1:80",
	}
	for in, want := range cases {
		addr, url, tcp := NormalizeLocalViewer(in)
		assert.Equal(t, want, addr, in)
		assert.Equal(t, "http://"+want, url, in)
		assert.Equal(t, want, tcp, in)
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	assert.NoError(t, WaitTCP(addr, time.Second))

	require.NoError(t, ln.Close())
	assert.Error(t, WaitTCP(addr, 300*time.Millisecond))
}

func TestTimingsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Call.RingTimeoutSec = 10
	cfg.Call.DisposeDelayMs = 250
	cfg.Call.PublishRetries = 3

	got := timings(cfg)
	assert.Equal(t, 10*time.Second, got.RingTimeout)
	assert.Equal(t, 30*time.Second, got.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, got.DisposeDelay)
	assert.Equal(t, 3, got.PublishRetries)
}

func TestStackOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	got := stackOptions(cfg)

	assert.Equal(t, cfg.ICE.STUNServers, got.STUNServers)
	assert.Equal(t, 2*time.Minute, got.FailedTimeout)
	assert.Equal(t, 640, got.VideoMaxWidth)
	assert.Equal(t, 1_500_000, got.VideoBitrate)
}

func TestRelayOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Relay.Bind = ""
	cfg.Relay.Port = 9000
	cfg.Relay.DBPath = "data/calls.db"

	got := relayOptions("/srv/peer", cfg)
	assert.Equal(t, "127.0.0.1:9000", got.Addr)
	assert.Equal(t, "/srv/peer/data/calls.db", got.DBPath)

	cfg.Relay.DBPath = ""
	assert.Empty(t, relayOptions("/srv/peer", cfg).DBPath)
}
