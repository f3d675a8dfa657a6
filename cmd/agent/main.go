package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/agent"
	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/logging"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the device config file")
	flag.Parse()

	// Bring logging up before the config loads so load-time warnings are
	// visible, then again with the configured level.
	if err := logging.Initialize(""); err != nil {
		os.Exit(1)
	}

	logging.Info("Starting Squirtinator agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		logging.Fatal("Failed to configure logging", zap.Error(err))
	}

	a, err := agent.NewAgent(cfg)
	if err != nil {
		logging.Fatal("Failed to create agent", zap.Error(err))
	}

	go a.Run()

	// Wait for termination signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("Shutting down agent")
	a.Shutdown()
	logging.Info("Agent shut down gracefully")
}
