package controller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/flash"
	"github.com/mesmerverse/bootguard/packet"
)

// Replace swaps the provisioned Component out for in, gated by token and by
// a proof from in that it holds the customer key.
//
// By default the record is updated before the proof is checked, so a failed
// proof leaves the swap committed. Options.VerifyBeforeCommit reverses the
// order.
func (a *AP) Replace(ctx context.Context, token string, in, out uint32) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if err := a.secrets.CheckToken(token); err != nil {
		log.Warn().Msg("SECURITY: Replacement token rejected")
		a.rep.Error("Invalid token")
		return err
	}

	if _, ok := a.store.Index(out); !ok {
		a.rep.Error("Component 0x%08x is not provisioned", out)
		return fmt.Errorf("%w: 0x%08x", flash.ErrNotProvisioned, out)
	}

	if a.opts.VerifyBeforeCommit {
		if err := a.prove(ctx, in); err != nil {
			return a.replaceFailed(in, err)
		}
		if err := a.commit(ctx, in, out); err != nil {
			return err
		}
	} else {
		if err := a.commit(ctx, in, out); err != nil {
			return err
		}
		if err := a.prove(ctx, in); err != nil {
			log.Warn().Uint32("component_id", in).Msg("SECURITY: Record already updated before replacement proof failed")
			return a.replaceFailed(in, err)
		}
	}

	log.Info().Uint32("in", in).Uint32("out", out).Msg("Component replaced")
	a.rep.Debug("Replaced 0x%08x with 0x%08x", out, in)
	a.rep.Success("Replace")
	return nil
}

func (a *AP) commit(ctx context.Context, in, out uint32) error {
	if err := a.store.Replace(ctx, out, in); err != nil {
		a.rep.Error("Replace failed")
		return err
	}
	return nil
}

func (a *AP) replaceFailed(in uint32, err error) error {
	log.Warn().Err(err).Uint32("component_id", in).Msg("SECURITY: Replacement proof rejected")
	a.rep.Error("Replacement proof failed")
	return err
}

// prove asks in to sign a fresh challenge with the customer key
func (a *AP) prove(ctx context.Context, in uint32) error {
	challenge, err := a.challenge()
	if err != nil {
		return err
	}
	req, err := packet.Seal(packet.MagicReplace, &packet.Replace{Challenge: challenge})
	if err != nil {
		return err
	}

	var ack packet.ReplaceAck
	if err := a.exchange(ctx, bus.AddressOf(in), req).Open(packet.MagicReplaceAck, &ack); err != nil {
		return err
	}
	return ecc.Verify(a.customerPub, challenge[:], ack.Signature)
}
