// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/config"
	"github.com/Br1ght0ne/lair/lib/dispatch"
	"github.com/Br1ght0ne/lair/lib/keeper"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/metrics"
	"github.com/Br1ght0ne/lair/lib/process"
	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/server"
	"github.com/Br1ght0ne/lair/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// options holds command-line overrides. Empty fields leave the
// configuration alone.
type options struct {
	configPath     string
	socketPath     string
	storePath      string
	passphraseFile string
	logLevel       string
	showVersion    bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("lair-keystore", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&opts.configPath, "config", "", "path to config file (default: $"+config.EnvConfig+", else built-in defaults)")
	flagSet.StringVar(&opts.socketPath, "socket", "", "Unix socket to listen on")
	flagSet.StringVar(&opts.storePath, "store", "", "sealed store file")
	flagSet.StringVar(&opts.passphraseFile, "passphrase-file", "", `read the unlock passphrase from this file ("-" for stdin)`)
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, nil
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	if opts.storePath != "" {
		cfg.StorePath = opts.storePath
	}
	if opts.passphraseFile != "" {
		cfg.Unlock.PassphraseFile = opts.passphraseFile
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("lair-keystore %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger.Info("starting lair-keystore",
		"version", version.Info(),
		"socket_path", cfg.SocketPath,
		"store_path", cfg.StorePath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sealed.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	owner, err := keeper.New(keeper.Config{
		Store:      store,
		WorkFactor: cfg.ScryptWorkFactor,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer owner.Close()

	if err := unlockAtStartup(ctx, owner, cfg, logger); err != nil {
		return err
	}

	collector := metrics.New()
	keystore, err := server.New(server.Config{
		SocketPath:        cfg.SocketPath,
		Executor:          dispatch.New(owner, logger),
		MaxFrameSize:      cfg.MaxFrameSize,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Software:          dispatch.ServerName + "/" + version.Short(),
		Metrics:           collector,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.TextfilePath != "" {
		interval, err := cfg.MetricsInterval()
		if err != nil {
			return err
		}
		exported := make(chan struct{})
		defer func() {
			stop()
			<-exported
		}()
		go func() {
			defer close(exported)
			collector.ExportLoop(ctx, clock.Real(), interval, cfg.Metrics.TextfilePath,
				func() { refreshStoreMetrics(collector, owner) }, logger)
		}()
	}

	if err := keystore.Serve(ctx); err != nil {
		return err
	}
	logger.Info("lair-keystore stopped")
	return nil
}

func refreshStoreMetrics(collector *metrics.Metrics, owner *keeper.Keeper) {
	entries := 0
	err := owner.Read(func(registry *keyring.Registry) error {
		entries = registry.Len()
		return nil
	})
	collector.SetStore(err != nil, entries)
}
