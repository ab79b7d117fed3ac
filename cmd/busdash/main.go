// busdash keeps a live cache of the bus nodes and their history in sync
// with the backend and serves it on a local status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/config"
	"github.com/markus-barta/busdash/internal/engine"
	"github.com/markus-barta/busdash/internal/push"
	"github.com/markus-barta/busdash/internal/statusapi"
	"github.com/markus-barta/busdash/internal/store"
	"github.com/rs/zerolog"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test backend connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("busdash %s\n", Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("busdash failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel) // checked by Validate
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", Version).
		Str("backend", cfg.BackendURL).
		Str("push", cfg.PushURL).
		Msg("busdash starting")

	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	client := backend.NewBreakerClient(
		backend.NewClient(backend.ClientConfig{BaseURL: cfg.BackendURL, Timeout: cfg.HTTPTimeout}),
		backend.BreakerConfig{
			MaxRequests:  cfg.BreakerMaxRequests,
			Interval:     cfg.BreakerInterval,
			Timeout:      cfg.BreakerTimeout,
			MinRequests:  cfg.BreakerMinRequests,
			FailureRatio: cfg.BreakerFailureRatio,
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(client, db, log, engine.Options{FetchConcurrency: cfg.FetchConcurrency})
	if err := eng.Start(ctx); err != nil {
		return err
	}

	channel, err := push.New(cfg.PushURL, eng.Bus(), log)
	if err != nil {
		return err
	}

	api := statusapi.New(statusapi.Config{
		ListenAddr:   cfg.ListenAddr,
		DisplayWidth: cfg.DisplayWidth,
	}, eng, log)
	defer api.Close()

	sup := engine.NewSupervisor(log, engine.DefaultSupervisorConfig(), channel, api)
	serveErr := sup.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("engine shutdown incomplete")
	}
	return serveErr
}

func printUsage() {
	fmt.Printf(`Usage: busdash [options]

busdash %s - live node cache and history sync for the bus dashboard.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test backend connectivity

Configuration is read from the YAML file named by BUSDASH_CONFIG (optional)
and overridden by environment variables:
  BUSDASH_BACKEND_URL         Backend REST base URL (default: http://localhost:5000/api)
  BUSDASH_PUSH_URL            SSE (http/https) or WebSocket (ws/wss) URL (default: <backend>/sse)
  BUSDASH_HTTP_TIMEOUT        Per-request timeout (default: 10s)
  BUSDASH_FETCH_CONCURRENCY   Parallel node fetches (default: 8)
  BUSDASH_DISPLAY_WIDTH       Default chart width in px (default: 800)
  BUSDASH_DB_PATH             SQLite file for layout and periods (default: busdash.db)
  BUSDASH_LISTEN_ADDR         Status API address (default: 127.0.0.1:8088)
  BUSDASH_LOG_LEVEL           Log level: debug, info, warn, error
  BUSDASH_LOG_FORMAT          console or json
`, Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Backend:     %s\n", cfg.BackendURL)
	fmt.Printf("  Push:        %s\n", cfg.PushURL)
	fmt.Printf("  Store:       %s\n", cfg.DBPath)
	fmt.Printf("  Status API:  %s\n", cfg.ListenAddr)
	fmt.Println()

	fmt.Print("Testing backend connectivity... ")

	client := backend.NewClient(backend.ClientConfig{BaseURL: cfg.BackendURL, Timeout: cfg.HTTPTimeout})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()

	start := time.Now()
	ids, err := client.ListNodes(ctx)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}

	fmt.Printf("✓ OK (%d nodes, latency: %dms)\n", len(ids), latency.Milliseconds())
	return 0
}
