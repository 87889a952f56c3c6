package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/gateway"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, loads the configuration and serves until shutdown. It
// returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Show version information")
	validateOnly := fs.Bool("validate", false, "Validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "Ignite gateway %s (built %s)\n", version, buildTime)
		return 0
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	if *validateOnly {
		fmt.Fprintln(stdout, "Configuration is valid")
		return 0
	}

	logger, err := logging.NewWithConfig(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Ignite gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Registry.BaseURL),
		zap.Bool("dynamic_routes", cfg.Routing.Dynamic),
		zap.Int("static_routes", len(cfg.Routing.Routes)),
	)

	server, err := gateway.NewServer(cfg, *configPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return 1
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		return 1
	}
	return 0
}
