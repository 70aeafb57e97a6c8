package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/engine"
	"github.com/wudi/tollgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// setFlags collects repeated --set key=value overrides.
type setFlags []string

func (s *setFlags) String() string     { return strings.Join(*s, ",") }
func (s *setFlags) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var sets setFlags
	configPath := flag.String("config", "configs/tollgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Var(&sets, "set", "Override a config key, e.g. --set queue.threads=4 (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tollgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().LoadWithOverrides(*configPath, sets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, sink, err := logging.New(cfg.Logging.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if sink != nil {
		defer sink.Close()
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting tollgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("env", cfg.Env),
		zap.String("registry", cfg.Registry.Type),
		zap.String("config_center", cfg.ConfigCenter.Type),
	)

	if err := run(cfg, logger); err != nil {
		logging.Error("Gateway error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := engine.New(cfg, engine.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		shutdown(c, cfg)
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	logging.Info("Shutting down gracefully...")
	return shutdown(c, cfg)
}

func shutdown(c *engine.Container, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}
