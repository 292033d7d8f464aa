package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/kex"
	"github.com/mesmerverse/bootguard/packet"
)

// Phase of a boot attempt
//
//	Idle -> ValidateAll -> BootAll -> KexAll -> Complete
//	              \-----------\---------\----> Aborted
type Phase int

const (
	Idle Phase = iota
	ValidateAll
	BootAll
	KexAll
	Complete
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ValidateAll:
		return "validate_all"
	case BootAll:
		return "boot_all"
	case KexAll:
		return "kex_all"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrBootAborted wraps the failure that stopped a boot attempt
var ErrBootAborted = errors.New("controller: boot aborted")

// Boot validates, boots and keys every provisioned Component. Any failure
// aborts the whole attempt and leaves no session behind.
func (a *AP) Boot(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	attempt := uuid.NewString()
	logger := log.With().Str("attempt", attempt).Logger()
	ids := a.store.IDs()
	logger.Info().Int("components", len(ids)).Msg("Boot attempt started")

	// A new attempt starts without sessions
	a.invalidate()

	a.setPhase(ValidateAll)
	for _, id := range ids {
		if err := a.validate(ctx, id); err != nil {
			return a.abort(logger, id, err, "Components could not be validated")
		}
	}

	a.setPhase(BootAll)
	messages := make([]string, 0, len(ids))
	for _, id := range ids {
		msg, err := a.boot(ctx, id)
		if err != nil {
			return a.abort(logger, id, err, "Failed to boot all components")
		}
		messages = append(messages, msg)
	}

	a.setPhase(KexAll)
	for _, id := range ids {
		if err := a.keyExchange(ctx, id); err != nil {
			return a.abort(logger, id, err, "Failed to establish secure channel")
		}
	}

	a.setPhase(Complete)
	for i, id := range ids {
		a.rep.Info("0x%08x>%s", id, messages[i])
	}
	a.rep.Info("AP>%s", a.opts.Banner)
	a.rep.Success("Boot")
	logger.Info().Msg("Boot complete")

	if a.postBoot != nil {
		return a.postBoot(ctx, a)
	}
	return nil
}

func (a *AP) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func (a *AP) abort(logger zerolog.Logger, id uint32, err error, msg string) error {
	phase := a.Phase()
	a.invalidate()
	a.setPhase(Aborted)
	logger.Warn().Err(err).Uint32("component_id", id).Str("state", phase.String()).Msg("SECURITY: Boot aborted")
	a.rep.Error("%s", msg)
	return fmt.Errorf("%w in %s at 0x%08x: %w", ErrBootAborted, phase, id, err)
}

// validate checks that the Component at id's address proves the component
// key over a fresh challenge and reports the expected ID
func (a *AP) validate(ctx context.Context, id uint32) error {
	challenge, err := a.challenge()
	if err != nil {
		return err
	}
	req, err := packet.Seal(packet.MagicValidate, &packet.Validate{Challenge: challenge})
	if err != nil {
		return err
	}

	var ack packet.ValidateAck
	if err := a.exchange(ctx, bus.AddressOf(id), req).Open(packet.MagicValidateAck, &ack); err != nil {
		return err
	}
	if ack.ID != id {
		return fmt.Errorf("%w: got 0x%08x", ErrIdentity, ack.ID)
	}
	return ecc.Verify(a.componentPub, packet.ValidateSignedBytes(challenge, id), ack.Signature)
}

// boot sends a signed BOOT command and returns the Component's boot message
func (a *AP) boot(ctx context.Context, id uint32) (string, error) {
	data, err := a.challenge()
	if err != nil {
		return "", err
	}
	req, err := packet.Seal(packet.MagicBoot, &packet.Boot{
		Data:      data,
		Signature: ecc.Sign(a.bootKey, data[:]),
	})
	if err != nil {
		return "", err
	}

	var ack packet.BootAck
	if err := a.exchange(ctx, bus.AddressOf(id), req).Open(packet.MagicBootAck, &ack); err != nil {
		return "", err
	}
	if a.opts.StrictBootAck {
		if err := ecc.Verify(a.componentPub, packet.BootAckSignedBytes(data), ack.Signature); err != nil {
			return "", fmt.Errorf("boot ack signature: %w", err)
		}
	}
	return ack.Text(), nil
}

// keyExchange runs the KEX engine against id and stores the session
func (a *AP) keyExchange(ctx context.Context, id uint32) error {
	k := kex.NewInitiator(id, a.secrets.HMACKey)
	if err := k.Generate(a.rand); err != nil {
		return err
	}
	req, err := k.Request()
	if err != nil {
		return err
	}
	sess, err := k.Complete(a.exchange(ctx, bus.AddressOf(id), req))
	if err != nil {
		return err
	}

	a.storeSession(id, sess)
	log.Debug().Uint32("component_id", id).Str("session", sess.ID).Msg("Secure session established")
	return nil
}

func (a *AP) storeSession(id uint32, sess *channel.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.sessions[id]; ok {
		old.Destroy()
	}
	a.sessions[id] = sess
}
