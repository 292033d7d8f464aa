// Package main implements a Component process.
// A Component answers the AP over the bus: it proves its identity, accepts
// a signed boot command and then talks only over the secure channel.
//
// SECURITY: Private keys are loaded once and never leave this process.
// Before boot nothing is released without a signature from the AP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/isolation"
	"github.com/mesmerverse/bootguard/peripheral"
	"github.com/mesmerverse/bootguard/rng"
	"github.com/mesmerverse/bootguard/secrets"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/bootguard/component.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (TCP bus, no hardening)")
	id := flag.Uint("id", 0, "Component ID (overrides config)")
	secretsPath := flag.String("secrets", "", "Path to component secrets bundle (overrides config)")
	attestationPath := flag.String("attestation", "", "Path to sealed attestation (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config, selects NATS bus)")
	healthPort := flag.Int("health-port", 0, "Health server port (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *id != 0 {
		cfg.ID = uint32(*id)
	}
	if *secretsPath != "" {
		cfg.Secrets.Path = *secretsPath
	}
	if *attestationPath != "" {
		cfg.Secrets.AttestationPath = *attestationPath
	}
	if *natsURL != "" {
		cfg.Bus.Backend = "nats"
		cfg.Bus.NATS.URL = *natsURL
	}
	if *healthPort != 0 {
		cfg.Health.Port = *healthPort
	}
	cfg.DevMode = cfg.DevMode || *devMode
	cfg.Isolation.DevMode = cfg.DevMode

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.With().Str("component_id", formatID(cfg.ID)).Logger()

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("BootGuard Component starting")

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
		log.Fatal().Err(err).Msg("Component error")
	}
	log.Info().Msg("Component shutdown complete")
}

func run(ctx context.Context, cfg *Config) error {
	compSecrets, err := secrets.LoadComponent(cfg.Secrets.Path)
	if err != nil {
		return err
	}
	sealed, err := secrets.LoadSealed(cfg.Secrets.AttestationPath)
	if err != nil {
		return err
	}

	random, closeRandom := rng.Default()
	defer closeRandom()

	comp, err := peripheral.New(peripheral.Config{
		ID:          cfg.ID,
		BootMessage: cfg.BootMessage,
		Secrets:     compSecrets,
		Attestation: sealed,
		Rand:        random,
	})
	if err != nil {
		return err
	}
	defer comp.Close()

	periph, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()
	periph.RegisterReceiveHandler(comp.Handle)

	health := NewHealthServer(cfg.Health.Port, comp)
	go health.Start()
	defer health.Stop()

	errChan := make(chan error, 2)
	health.MarkServing(true)
	go func() {
		err := periph.Serve(ctx)
		health.MarkServing(false)
		errChan <- err
	}()
	go func() {
		errChan <- runEcho(ctx, comp)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			return err
		}
		<-ctx.Done()
		return nil
	}
}

// openBus creates the listening side of the configured transport
func openBus(cfg *Config) (bus.Peripheral, func(), error) {
	addr := bus.AddressOf(cfg.ID)
	switch cfg.Bus.Backend {
	case "nats":
		conn, err := bus.ConnectNATS(cfg.Bus.NATS, "bootguard-component-"+formatID(cfg.ID))
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("subject", cfg.Bus.NATS.Subject(addr)).Msg("Listening on NATS bus")
		return bus.NewNATSPeripheral(conn, cfg.Bus.NATS, addr), conn.Close, nil
	default:
		stream := cfg.Bus.Stream
		stream.DevMode = cfg.DevMode
		log.Info().Uint32("port", stream.Port(addr)).Msg("Listening on stream bus")
		return bus.NewStreamPeripheral(stream, addr), func() {}, nil
	}
}
