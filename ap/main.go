// Package main implements the Application Processor.
// The AP owns the provisioned Component record and drives list, boot,
// replace and attest over the bus. Protocol results go to stdout as
// %kind: message% lines; diagnostics go to stderr.
//
// SECURITY: Boot is all-or-nothing. No Component is booted unless every
// provisioned Component first proves its identity.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/controller"
	"github.com/mesmerverse/bootguard/flash"
	"github.com/mesmerverse/bootguard/isolation"
	"github.com/mesmerverse/bootguard/rng"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/bootguard/ap.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (TCP bus, no hardening)")
	secretsPath := flag.String("secrets", "", "Path to AP secrets bundle (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config, selects NATS bus)")
	flashPath := flag.String("flash", "", "Path to flash page backend (overrides config)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("BootGuard Application Processor starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *secretsPath != "" {
		cfg.Secrets.Source = "file"
		cfg.Secrets.Path = *secretsPath
	}
	if *natsURL != "" {
		cfg.Bus.Backend = "nats"
		cfg.Bus.NATS.URL = *natsURL
	}
	if *flashPath != "" {
		cfg.Flash.Path = *flashPath
	}
	cfg.DevMode = cfg.DevMode || *devMode
	cfg.Isolation.DevMode = cfg.DevMode

	isolation.Enforce(cfg.Isolation)
	if cfg.Isolation.DisableCoreDumps && !cfg.Isolation.DevMode {
		if err := isolation.Verify(); err != nil {
			log.Warn().Err(err).Msg("SECURITY: Core dump limit not in effect")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Application Processor error")
	}
	log.Info().Msg("Application Processor shutdown complete")
}

func run(ctx context.Context, cfg *Config) error {
	apSecrets, err := loadSecrets(ctx, cfg)
	if err != nil {
		return err
	}

	page, closePage, err := openFlash(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePage()

	store := flash.NewStore(page)
	if err := store.Init(ctx, cfg.Components); err != nil {
		return err
	}
	log.Info().Int("components", len(store.IDs())).Str("backend", cfg.Flash.Backend).Msg("Flash record loaded")

	ctrl, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	random, closeRandom := rng.Default()
	defer closeRandom()

	opts := controller.DefaultOptions()
	opts.Banner = cfg.Banner
	opts.Timeout = cfg.Protocol.Timeout()
	opts.StrictBootAck = cfg.Protocol.StrictBootAck
	opts.VerifyBeforeCommit = cfg.Protocol.VerifyBeforeCommit
	opts.ScanFirst = cfg.Protocol.ScanFirst
	opts.ScanLast = cfg.Protocol.ScanLast
	opts.Blacklist = cfg.Protocol.Blacklist
	if !opts.VerifyBeforeCommit {
		log.Warn().Msg("SECURITY: Replace updates the record before the replacement proof is checked")
	}

	rep := controller.NewReporter(os.Stdout)
	ap, err := controller.New(controller.Config{
		Bus:      ctrl,
		Store:    store,
		Secrets:  apSecrets,
		Rand:     random,
		Reporter: rep,
		Options:  opts,
		PostBoot: pingLoop(time.Duration(cfg.Protocol.PingInterval)*time.Second, 0),
	})
	if err != nil {
		return err
	}
	defer ap.Close()

	// Stdin reads do not observe ctx, so the shell runs detached
	done := make(chan error, 1)
	go func() {
		done <- NewShell(ap, rep, os.Stdin, os.Stdout).Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
