package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/packet"
)

// pollInterval spaces retries while a Component has nothing ready
const pollInterval = 10 * time.Millisecond

func (a *AP) session(id uint32) (*channel.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", ErrNoSession, id)
	}
	return s, nil
}

// SecureSend delivers data to Component id over its session. Only the
// magic and checksum of the acknowledgement are checked.
func (a *AP) SecureSend(ctx context.Context, id uint32, data []byte) error {
	sess, err := a.session(id)
	if err != nil {
		return err
	}
	rec, err := sess.Seal(data)
	if err != nil {
		return err
	}
	req, err := packet.Seal(packet.MagicEncrypted, &packet.Secure{Record: rec})
	if err != nil {
		return err
	}

	if err := a.poll(ctx, bus.AddressOf(id), req).Open(packet.MagicEncrypted, packet.Empty{}); err != nil {
		return fmt.Errorf("failed to send secure message: %w", err)
	}
	a.advance(sess)
	return nil
}

// SecureReceive fetches the next message Component id has queued. The
// record must carry the expected nonce and a valid HMAC.
func (a *AP) SecureReceive(ctx context.Context, id uint32) ([]byte, error) {
	sess, err := a.session(id)
	if err != nil {
		return nil, err
	}
	req, err := packet.Seal(packet.MagicEncryptedReq, packet.Empty{})
	if err != nil {
		return nil, err
	}

	var s packet.Secure
	if err := a.poll(ctx, bus.AddressOf(id), req).Open(packet.MagicEncrypted, &s); err != nil {
		return nil, fmt.Errorf("failed to receive secure message: %w", err)
	}
	data, err := sess.Open(s.Record)
	if err != nil {
		log.Warn().Err(err).Uint32("component_id", id).Uint32("nonce", sess.Nonce).Msg("SECURITY: Secure record rejected")
		return nil, err
	}
	a.advance(sess)
	return data, nil
}

// poll repeats req until the Component answers with something other than
// ERROR or the AP timeout expires. Components answer ERROR without moving
// their nonce, so resending the same frame is safe.
func (a *AP) poll(ctx context.Context, addr uint8, req packet.Frame) packet.Frame {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		resp := bus.Exchange(ctx, a.bus, addr, req)
		if !resp.IsError() {
			return resp
		}
		select {
		case <-ctx.Done():
			return resp
		case <-ticker.C:
		}
	}
}

func (a *AP) advance(sess *channel.Session) {
	a.mu.Lock()
	sess.Advance()
	a.mu.Unlock()
}
