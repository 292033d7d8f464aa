package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/flash"
	"github.com/mesmerverse/bootguard/secrets"
)

// openBus connects the controller side of the configured transport
func openBus(cfg *Config) (bus.Controller, error) {
	switch cfg.Bus.Backend {
	case "nats":
		conn, err := bus.ConnectNATS(cfg.Bus.NATS, "bootguard-ap")
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.Bus.NATS.URL).Str("prefix", cfg.Bus.NATS.Prefix).Msg("Connected to NATS bus")
		return bus.NewNATSController(conn, cfg.Bus.NATS), nil
	case "stream":
		stream := cfg.Bus.Stream
		stream.DevMode = cfg.DevMode
		log.Info().
			Bool("dev_mode", stream.DevMode).
			Uint32("cid", stream.CID).
			Uint32("base_port", stream.BasePort).
			Msg("Using stream bus")
		return bus.NewStreamController(stream), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

// openFlash returns the page backend and a close function for it
func openFlash(ctx context.Context, cfg *Config) (flash.Page, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Flash.Backend {
	case "file":
		return flash.NewFile(cfg.Flash.Path), noop, nil
	case "sqlite":
		db, err := flash.NewSQLite(cfg.Flash.Path, cfg.Flash.PageID)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "s3":
		p, err := flash.NewS3(ctx, cfg.Flash.S3)
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	case "memory":
		return flash.NewMemory(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown flash backend %q", cfg.Flash.Backend)
	}
}

// loadSecrets reads the AP bundle from the configured source
func loadSecrets(ctx context.Context, cfg *Config) (*secrets.APSecrets, error) {
	switch cfg.Secrets.Source {
	case "ssm":
		return secrets.LoadSSM(ctx, cfg.Secrets.SSM)
	case "file":
		return secrets.LoadAP(cfg.Secrets.Path)
	default:
		return nil, fmt.Errorf("unknown secrets source %q", cfg.Secrets.Source)
	}
}
