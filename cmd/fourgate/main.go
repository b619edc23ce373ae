package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkeating/fourgate/internal/api"
	"github.com/mkeating/fourgate/internal/bus"
	"github.com/mkeating/fourgate/internal/config"
	"github.com/mkeating/fourgate/internal/intake"
	"github.com/mkeating/fourgate/internal/log"
	"github.com/mkeating/fourgate/internal/metrics"
	"github.com/mkeating/fourgate/internal/parser"
	"github.com/mkeating/fourgate/internal/registry"
	"github.com/mkeating/fourgate/internal/storage"
	"github.com/mkeating/fourgate/internal/warehouse"
)

const version = "0.1.0"

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "check", "doctor":
		os.Exit(runCheck(args))
	case "lock":
		os.Exit(runLock(args))
	case "version":
		fmt.Printf("fourgate version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`fourgate - Software delivery event pipeline

Usage:
  fourgate <command> [flags]

Commands:
  start     Run the pipeline in the foreground (intake, workers, ops API)
  check     Validate configuration syntax and integrity
  lock      Authorize current configuration (update integrity hashes)
  version   Show version information
  help      Show this help message

Use 'fourgate <command> --help' for command-specific flags.
`)
}

// runStart wires the whole pipeline: local SQLite state, the transport, one
// parser worker per configured source, the intake gate, and (optionally) the
// ops API.
func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksums(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Config integrity check failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Hint: run 'fourgate lock --config %s' after intentional edits\n", *configPath)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("fourgate starting", "version", version, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	if err := storage.BootstrapSQLite(ctx, db); err != nil {
		logger.Error("failed to bootstrap schema", "error", err)
		return 1
	}
	logger.Info("database opened", "path", cfg.Storage.Path)

	reg, err := registry.FromConfig(cfg.Sources)
	if err != nil {
		logger.Error("invalid source registry", "error", err)
		return 1
	}
	logger.Info("source registry loaded", "sources", len(reg.All()))

	m := metrics.New()

	b := bus.New(db, bus.Config{
		VisibilityTimeout: cfg.Bus.VisibilityTimeout,
		MaxAttempts:       cfg.Bus.MaxAttempts,
		RetryBackoffBase:  cfg.Bus.RetryBackoffBase,
	})

	var (
		store  warehouse.Store
		reader api.Reader
	)
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := warehouse.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			return 1
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure postgres schema", "error", err)
			return 1
		}
		store, reader = pg, pg
		logger.Info("warehouse backend ready", "backend", "postgres")
	default:
		sq := warehouse.NewSQLiteStore(db)
		store, reader = sq, sq
		logger.Info("warehouse backend ready", "backend", "sqlite")
	}

	writer := warehouse.NewWriter(store, cfg.Storage.MaxWriteAttempts, cfg.Storage.WriteBackoffBase, m)

	errCh := make(chan error, len(reg.All())+2)

	for _, src := range reg.All() {
		worker, err := parser.NewWorker(src, b, writer, cfg.Bus.PollInterval, m)
		if err != nil {
			logger.Error("failed to create worker", "source", src.Name, "error", err)
			return 1
		}
		go func(name string) {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker %s: %w", name, err)
			}
		}(src.Name)
		logger.Info("parser worker started", "source", src.Name, "topic", src.Topic)
	}

	intakeServer := intake.New(intake.Config{
		Listen:         cfg.Intake.Listen,
		RequestTimeout: cfg.Intake.RequestTimeout,
	}, reg, b, log.WithComponent("intake"), m)
	go func() {
		if err := intakeServer.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("intake: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Token,
		}, reader, b, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("ops API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("fourgate running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return 1
	}

	logger.Info("fourgate stopped")
	return 0
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksums(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check FAILED: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration OK: %d source(s), backend=%s\n", len(cfg.Sources), cfg.Storage.Backend)
	for name, src := range cfg.Sources {
		fmt.Printf("  - %s (kind=%s, verify=%s, topic=%s)\n", name, src.Kind, src.Verify, src.Topic)
	}
	return 0
}

func runLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	if err := config.GenerateChecksums(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("Locked configuration: %s\n", *configPath)
	return 0
}
