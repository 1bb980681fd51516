// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
)

var log = logging.Logger("app")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "goopcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer", "relay":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: goopcall %s <directory>\n", command)
			os.Exit(1)
		}
		runCLI(args[1], command == "relay")

	case "hash-password":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: goopcall hash-password <password>")
			os.Exit(1)
		}
		h, err := relay.HashPassword(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLI(dirArg string, relayOnly bool) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	if err := config.LoadEnvFile(filepath.Join(absDir, ".env")); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}
	config.ApplyEnv(&cfg)

	// Relay mode serves a relay regardless of what the file says.
	if relayOnly {
		cfg.Relay.Host = true
	}

	printBanner(absDir, cfgPath, cfg, relayOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir:   absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
		RelayOnly: relayOnly,
	}); err != nil {
		log.Fatalf("goopcall failed: %v", err)
	}
	fmt.Println("Shut down.")
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>          Run a calling peer")
	fmt.Println("  goopcall relay <directory>         Run the signaling relay only")
	fmt.Println("  goopcall hash-password <password>  Print a bcrypt hash for relay.admin_password_hash")
	fmt.Println()
	fmt.Printf("The directory holds %s (created with defaults if missing)\n", cfgName)
	fmt.Println("and an optional .env with GOOPCALL_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall relay ./relay")
	fmt.Println("  goopcall peer ./peers/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config, relayOnly bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    goopcall runner                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	if !relayOnly {
		fmt.Printf("Party:       %s\n", cfg.Identity.PartyID)
		fmt.Printf("Relay:       %s (%s)\n", cfg.Relay.URL, cfg.Relay.Transport)
	}
	if cfg.Relay.Host {
		fmt.Printf("Serving relay on %s:%d\n", cfg.Relay.Bind, cfg.Relay.Port)
	}
	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call API:    %s/api/call/state\n", url)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
