package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// app is the post-boot side of a Component
type app interface {
	WaitBoot(ctx context.Context) error
	SecureReceive(ctx context.Context) ([]byte, error)
	SecureSend(ctx context.Context, data []byte) error
}

// runEcho waits for boot, then returns every secure message to the AP
func runEcho(ctx context.Context, c app) error {
	if err := c.WaitBoot(ctx); err != nil {
		return ignoreDone(err)
	}
	log.Info().Msg("Component booted, echo application running")

	for {
		msg, err := c.SecureReceive(ctx)
		if err != nil {
			return ignoreDone(err)
		}
		log.Debug().Int("size", len(msg)).Msg("Secure message received")
		if err := c.SecureSend(ctx, msg); err != nil {
			return ignoreDone(err)
		}
	}
}

func ignoreDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
