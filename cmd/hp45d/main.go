// hp45d is the HP45 print host. It loads a printer config, drives the head
// through the simulated port or a port driver board, and serves the monitor
// and metrics APIs.
//
// Usage:
//
//	hp45d -config printer.cfg [-log-level debug] [-console]
//
// SIGHUP re-reads the config file and applies the [head] section live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hp45-host/pkg/config"
	"hp45-host/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "Path to printer config file")
	logLevel := flag.String("log-level", "", "Override the [log] level (debug, info, warn, error)")
	console := flag.Bool("console", false, "Also log to stderr when logging to a file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, raw, err := config.LoadPrinter(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	log.Default().SetLevel(log.ParseLevel(level))
	log.Default().SetFormat(log.ParseFormat(cfg.Log.Format))

	if cfg.Log.File != "" {
		w, err := log.LogToFile(log.RotationConfig{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		}, *console)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
	}

	logger := log.GetLogger("hp45d")
	logger.WithFields(log.Fields{
		"config":  *configPath,
		"backend": cfg.Dispatch.Backend,
	}).Info("starting hp45 host")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, raw, *configPath); err != nil {
		logger.WithError(err).Error("hp45 host stopped")
		stop()
		os.Exit(1)
	}
	logger.Info("hp45 host stopped")
}

func run(ctx context.Context, cfg *config.Printer, raw *config.Config, path string) error {
	d, err := newDaemon(ctx, cfg, raw, path)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}
