package app

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

// subsystems whose level follows viewer.log_level.
var subsystems = []string{"app", "call", "relay", "viewer", "config"}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// RelayOnly runs just the signaling relay (plus the log viewer).
	RelayOnly bool
}

// Run starts the peer (or relay) described by opt and blocks until ctx ends.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	stopLogs := setupLogging(opt.Cfg.Viewer.LogLevel, logBuf)
	defer stopLogs()

	logBanner(opt.PeerDir, opt.CfgPath)

	if opt.RelayOnly {
		return runRelay(ctx, opt, logBuf)
	}
	return runPeer(ctx, opt, logBuf)
}

// setupLogging routes go-log output and the stdlib logger into logBuf as
// well as stderr.
func setupLogging(level string, logBuf *viewer.LogBuffer) (stop func()) {
	logging.SetupLogging(logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: true,
		Level:  logging.LevelInfo,
	})
	applyLogLevel(level)

	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() { _, _ = io.Copy(logBuf, pr) }()

	stdlog.SetOutput(logBuf)
	return func() { _ = pr.Close() }
}

func applyLogLevel(level string) {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("log level %q for %s: %v", level, name, err)
		}
	}
	// pion is chatty at info
	_ = logging.SetLogLevel("pion", "warn")
}

func relayOptions(peerDir string, cfg config.Config) relay.Options {
	bind := cfg.Relay.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	dbPath := ""
	if cfg.Relay.DBPath != "" {
		dbPath = util.ResolvePath(peerDir, cfg.Relay.DBPath)
	}
	return relay.Options{
		Addr:              fmt.Sprintf("%s:%d", bind, cfg.Relay.Port),
		ExternalURL:       cfg.Relay.ExternalURL,
		DBPath:            dbPath,
		AdminPasswordHash: cfg.Relay.AdminPasswordHash,
	}
}

func startRelay(ctx context.Context, peerDir string, cfg config.Config) (*relay.Server, error) {
	srv, err := relay.New(relayOptions(peerDir, cfg))
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return srv, nil
}

func runRelay(ctx context.Context, opt Options, logBuf *viewer.LogBuffer) error {
	if err := opt.Cfg.ValidateRelayOnly(); err != nil {
		return err
	}
	if _, err := startRelay(ctx, opt.PeerDir, opt.Cfg); err != nil {
		return err
	}
	if err := startViewer(ctx, opt.Cfg, viewer.Viewer{Logs: logBuf}); err != nil {
		return err
	}

	go watchConfig(ctx, opt, (*config.Config).ValidateRelayOnly, nil)

	<-ctx.Done()
	return nil
}

func runPeer(ctx context.Context, opt Options, logBuf *viewer.LogBuffer) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	relayURL := cfg.Relay.URL
	if cfg.Relay.Host {
		srv, err := startRelay(ctx, opt.PeerDir, cfg)
		if err != nil {
			return err
		}
		if strings.TrimSpace(relayURL) == "" {
			relayURL = srv.URL()
		}
	}

	stack, err := call.NewStack(stackOptions(cfg))
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	sig := relay.NewSignaler(relay.NewClient(relayURL), cfg.Identity.PartyID, cfg.Relay.Transport)
	sig.Start(ctx)
	defer sig.Close()

	ctrl, err := call.New(call.Options{
		Self: call.Party{
			ID:          cfg.Identity.PartyID,
			DisplayName: cfg.Identity.DisplayName,
			AvatarRef:   cfg.Identity.AvatarRef,
		},
		Signaler: sig,
		Media:    stack,
		Links:    stack,
		Timings:  timings(cfg),
	})
	if err != nil {
		return err
	}
	// Close hangs up a live call, so it runs before the signaler closes.
	defer ctrl.Close()

	if err := startViewer(ctx, cfg, viewer.Viewer{Calls: ctrl, Logs: logBuf}); err != nil {
		return err
	}

	go watchConfig(ctx, opt, (*config.Config).Validate, func(c config.Config) {
		ctrl.SetTimings(timings(c))
	})

	log.Infof("peer %s ready (relay %s)", cfg.Identity.PartyID, relayURL)
	<-ctx.Done()
	return nil
}

func startViewer(ctx context.Context, cfg config.Config, v viewer.Viewer) error {
	if strings.TrimSpace(cfg.Viewer.HTTPAddr) == "" {
		return nil
	}
	addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	if err := viewer.Start(ctx, addr, v); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	if err := WaitTCP(addr, util.DefaultConnectTimeout); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	log.Infof("viewer at %s", url)
	return nil
}

// watchConfig applies hot-reloadable settings: log level always, and
// whatever apply handles. Everything else needs a restart.
func watchConfig(ctx context.Context, opt Options, validate func(*config.Config) error, apply func(config.Config)) {
	err := config.Watch(ctx, opt.CfgPath, validate, func(c config.Config) {
		applyLogLevel(c.Viewer.LogLevel)
		if apply != nil {
			apply(c)
		}
		log.Infof("config reloaded from %s", opt.CfgPath)
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	}
}

func timings(cfg config.Config) call.Timings {
	return call.Timings{
		RingTimeout:    time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ConnectTimeout: time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
		DisposeDelay:   time.Duration(cfg.Call.DisposeDelayMs) * time.Millisecond,
		PublishRetries: cfg.Call.PublishRetries,
	}
}

func stackOptions(cfg config.Config) call.StackOptions {
	return call.StackOptions{
		STUNServers:         cfg.ICE.STUNServers,
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeout) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedTimeout) * time.Second,
		KeepaliveInterval:   time.Duration(cfg.ICE.KeepaliveInterval) * time.Second,
		VideoMaxWidth:       cfg.Media.VideoMaxWidth,
		VideoMaxHeight:      cfg.Media.VideoMaxHeight,
		VideoBitrate:        cfg.Media.VideoBitrate,
	}
}
