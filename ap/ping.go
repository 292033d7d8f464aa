package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/controller"
)

// pingLoop is the post-boot application: every interval it sends each
// booted Component a numbered ping over its secure channel and reports the
// echoed reply.
func pingLoop(interval time.Duration, rounds int) controller.PostBootFunc {
	return func(ctx context.Context, ap *controller.AP) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var seq uint64
		for round := 0; rounds <= 0 || round < rounds; round++ {
			for _, id := range ap.Sessions() {
				seq++
				if err := ping(ctx, ap, id, seq); err != nil {
					log.Warn().Err(err).Uint32("component_id", id).Uint64("seq", seq).Msg("Ping failed")
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		return nil
	}
}

func ping(ctx context.Context, ap *controller.AP, id uint32, seq uint64) error {
	msg := fmt.Sprintf("ping %d", seq)
	if err := ap.SecureSend(ctx, id, []byte(msg)); err != nil {
		return err
	}
	reply, err := ap.SecureReceive(ctx, id)
	if err != nil {
		return err
	}
	ap.Reporter().Debug("0x%08x replied '%s'", id, reply)
	return nil
}
