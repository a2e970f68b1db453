// Package main — cmd/sorterd/main.go
//
// sorterd is the ecosort-core control-plane daemon.
//
// Startup sequence:
//  1. Load and validate config from /etc/ecosort/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Construct the classifier backend (HTTP inference server).
//  4. Build the Orchestrator — storage, actuators, sensors, belt,
//     dispatch scheduler, state machine, safety + recovery supervisors.
//  5. Register SIGHUP handler for config hot-reload.
//  6. Run the orchestrator, blocking on SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every orchestrator goroutine).
//  2. Orchestrator drains pending fires and closes storage (max
//     control.max_shutdown_drain_s).
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure or orchestrator construction failure:
// exit 1 immediately (no partial state).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chele-s/ecosort-core/internal/classifier"
	"github.com/chele-s/ecosort-core/internal/config"
	"github.com/chele-s/ecosort-core/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "/etc/ecosort/config.yaml", "Path to config.yaml")
	gpioChip := flag.String("gpio-chip", "", "Override GPIO chip device path")
	pwmChip := flag.String("pwm-chip", "", "Override PWM chip sysfs path")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sorterd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Obs.LogLevel, cfg.Obs.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sorterd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := orchestrator.Dependencies{
		ClassifierBackend: classifier.NewHTTPBackend(cfg.AIModel.Endpoint, log),
		GPIOChipPath:      *gpioChip,
		PWMChipPath:       *pwmChip,
	}

	o, err := orchestrator.New(cfg, *configPath, deps, log)
	if err != nil {
		log.Fatal("orchestrator construction failed — aborting (no partial state)", zap.Error(err))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			if err := o.ReloadConfig(*configPath); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := o.Run(ctx); err != nil {
		log.Error("orchestrator exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("sorterd shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
