package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	PartyID     string `json:"party_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

type Relay struct {
	// Base URL of the signaling relay the peer publishes to and subscribes on.
	// Example: https://relay.example.org  or  http://1.2.3.4:8787
	URL string `json:"url"`

	// If true, run a local relay server on Bind:Port.
	Host bool `json:"host"`
	Port int  `json:"port"`

	// Bind address for the relay server. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept connections from other machines on the network.
	Bind string `json:"bind"`

	// Public URL for the relay server when it sits behind NAT or a reverse proxy.
	ExternalURL string `json:"external_url"`

	// Delivery transport the peer subscribes with: "sse" or "ws".
	Transport string `json:"transport"`

	// Optional SQLite call log for the relay server. Relative to the peer
	// directory. Empty disables persistence.
	DBPath string `json:"db_path"`

	// bcrypt hash guarding /calls.json (HTTP Basic Auth, user: "admin").
	// Empty means the admin endpoint is disabled (returns 403).
	AdminPasswordHash string `json:"admin_password_hash"`
}

type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
	DisposeDelayMs    int `json:"dispose_delay_ms"`
	PublishRetries    int `json:"publish_retries"`
}

type ICE struct {
	STUNServers         []string `json:"stun_servers"`
	DisconnectedTimeout int      `json:"disconnected_timeout_seconds"`
	FailedTimeout       int      `json:"failed_timeout_seconds"`
	KeepaliveInterval   int      `json:"keepalive_seconds"`
}

type Media struct {
	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`
	VideoBitrate   int `json:"video_bitrate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
	LogLevel string `json:"log_level"`
}

const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

func Default() Config {
	return Config{
		Relay: Relay{
			URL:       "http://127.0.0.1:8787",
			Host:      false,
			Port:      8787,
			Bind:      "127.0.0.1",
			Transport: TransportSSE,
		},
		Call: Call{
			RingTimeoutSec:    45,
			ConnectTimeoutSec: 30,
			DisposeDelayMs:    1500,
			PublishRetries:    1,
		},
		ICE: ICE{
			STUNServers:         []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeout: 30,
			FailedTimeout:       120,
			KeepaliveInterval:   2,
		},
		Media: Media{
			VideoMaxWidth:  640,
			VideoMaxHeight: 480,
			VideoBitrate:   1_500_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7777",
			LogLevel: "info",
		},
	}
}

// Validate checks a peer configuration. Relay-only processes use
// ValidateRelayOnly, which does not require an identity.
func (c *Config) Validate() error {
	if err := proto.ValidateParty(c.Identity.PartyID); err != nil {
		return fmt.Errorf("identity.party_id: %w", err)
	}
	if len(c.Identity.DisplayName) > 128 {
		return errors.New("identity.display_name must be <= 128 chars")
	}
	if strings.TrimSpace(c.Relay.URL) == "" && !c.Relay.Host {
		return errors.New("relay.url is required unless relay.host is enabled")
	}
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}
	if c.Relay.Transport != TransportSSE && c.Relay.Transport != TransportWS {
		return errors.New("relay.transport must be sse or ws")
	}
	if err := c.validateRelayServer(); err != nil {
		return err
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}
	if c.Call.DisposeDelayMs < 0 || c.Call.DisposeDelayMs > 10_000 {
		return errors.New("call.dispose_delay_ms must be 0..10000")
	}
	if c.Call.PublishRetries < 0 || c.Call.PublishRetries > 3 {
		return errors.New("call.publish_retries must be 0..3")
	}

	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun_servers: %q must start with stun: or stuns:", s)
		}
	}
	if c.ICE.DisconnectedTimeout <= 0 || c.ICE.FailedTimeout <= 0 || c.ICE.KeepaliveInterval <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.KeepaliveInterval >= c.ICE.DisconnectedTimeout {
		return errors.New("ice.keepalive_seconds must be < ice.disconnected_timeout_seconds")
	}

	if c.Media.VideoMaxWidth <= 0 || c.Media.VideoMaxHeight <= 0 {
		return errors.New("media.video_max_width and media.video_max_height must be > 0")
	}
	if c.Media.VideoBitrate < 64_000 {
		return errors.New("media.video_bitrate must be >= 64000")
	}

	return c.validateViewer()
}

// ValidateRelayOnly checks only the fields a relay-only process uses.
func (c *Config) ValidateRelayOnly() error {
	if !c.Relay.Host {
		return errors.New("relay.host must be true to run a relay")
	}
	if err := c.validateRelayServer(); err != nil {
		return err
	}
	return c.validateViewer()
}

func (c *Config) validateRelayServer() error {
	if !c.Relay.Host {
		return nil
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535 when relay.host is enabled")
	}
	if b := c.Relay.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("relay.bind must be a valid IP address")
		}
	}
	if u := strings.TrimSpace(c.Relay.ExternalURL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.external_url: %w", err)
		}
	}
	if h := c.Relay.AdminPasswordHash; h != "" && !strings.HasPrefix(h, "$2") {
		return errors.New("relay.admin_password_hash must be a bcrypt hash (see `goopcall hash-password`)")
	}
	return nil
}

func (c *Config) validateViewer() error {
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if _, err := logging.LevelFromString(c.Viewer.LogLevel); err != nil {
		return fmt.Errorf("viewer.log_level: %w", err)
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for the relay
// command, which does not need an identity.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// The result is not validated; callers pick Validate or ValidateRelayOnly.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
