package peripheral

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/kex"
	"github.com/mesmerverse/bootguard/packet"
)

var (
	errAttestTag      = errors.New("peripheral: bad attestation tag")
	errAttestPosition = errors.New("peripheral: attestation position out of range")
	errNotSealed      = errors.New("peripheral: no attestation data provisioned")
)

func (c *Component) handleList(req packet.Frame) (packet.Frame, error) {
	if err := req.Open(packet.MagicList, packet.ListCommand{}); err != nil {
		return packet.Frame{}, err
	}
	return packet.Seal(packet.MagicListAck, &packet.ListAck{ID: c.id})
}

func (c *Component) handleValidate(req packet.Frame) (packet.Frame, error) {
	var v packet.Validate
	if err := req.Open(packet.MagicValidate, &v); err != nil {
		return packet.Frame{}, err
	}
	return packet.Seal(packet.MagicValidateAck, &packet.ValidateAck{
		ID:        c.id,
		Signature: ecc.Sign(c.componentKey, packet.ValidateSignedBytes(v.Challenge, c.id)),
	})
}

// handleBoot verifies the AP boot signature and moves to PostBoot
func (c *Component) handleBoot(req packet.Frame) (packet.Frame, error) {
	var b packet.Boot
	if err := req.Open(packet.MagicBoot, &b); err != nil {
		return packet.Frame{}, err
	}
	if err := ecc.Verify(c.apBootPub, b.Data[:], b.Signature); err != nil {
		return packet.Frame{}, fmt.Errorf("boot signature: %w", err)
	}

	ack := &packet.BootAck{
		Signature: ecc.Sign(c.componentKey, packet.BootAckSignedBytes(b.Data)),
	}
	ack.Len = uint8(copy(ack.Message[:], c.bootMsg))
	resp, err := packet.Seal(packet.MagicBootAck, ack)
	if err != nil {
		return packet.Frame{}, err
	}

	c.mu.Lock()
	c.state = PostBoot
	if c.session != nil {
		// Sessions belong to a boot attempt; PostBoot starts with a fresh KEX
		c.session.Destroy()
		c.session = nil
	}
	c.mu.Unlock()
	close(c.booted)

	log.Info().Uint32("component_id", c.id).Msg("Boot authorized, entering postboot")
	return resp, nil
}

// handleAttest releases one sealed attestation field
func (c *Component) handleAttest(req packet.Frame) (packet.Frame, error) {
	var a packet.Attest
	if err := req.Open(packet.MagicAttest, &a); err != nil {
		return packet.Frame{}, err
	}
	if a.Tag != packet.AttestTag {
		return packet.Frame{}, errAttestTag
	}
	if c.sealed == nil {
		return packet.Frame{}, errNotSealed
	}
	field, ok := c.sealed.Field(a.Position)
	if !ok {
		return packet.Frame{}, fmt.Errorf("%w: %d", errAttestPosition, a.Position)
	}
	if err := ecc.Verify(c.apAttestPub, a.SignedBytes(), a.Signature); err != nil {
		return packet.Frame{}, fmt.Errorf("attest signature: %w", err)
	}

	return packet.Seal(packet.MagicAttestAck, &packet.AttestAck{
		Data:      field,
		Signature: ecc.Sign(c.componentKey, field[:]),
	})
}

// handleReplace proves possession of the customer key
func (c *Component) handleReplace(req packet.Frame) (packet.Frame, error) {
	var r packet.Replace
	if err := req.Open(packet.MagicReplace, &r); err != nil {
		return packet.Frame{}, err
	}
	return packet.Seal(packet.MagicReplaceAck, &packet.ReplaceAck{
		Signature: ecc.Sign(c.customerKey, r.Challenge[:]),
	})
}

func (c *Component) handleKex(req packet.Frame) (packet.Frame, error) {
	resp, sess, err := kex.Respond(req, c.rand, c.id, c.hmacKey)
	if err != nil {
		return packet.Frame{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		// A PreBoot exchange is superseded by the next one
		c.session.Destroy()
	}
	c.session = sess
	log.Info().Uint32("component_id", c.id).Str("session", sess.ID).Msg("Secure session established")
	return resp, nil
}

// handleSecure receives one record from the AP
func (c *Component) handleSecure(req packet.Frame) (packet.Frame, error) {
	var s packet.Secure
	if err := req.Open(packet.MagicEncrypted, &s); err != nil {
		return packet.Frame{}, err
	}
	sess := c.currentSession()
	if sess == nil {
		return packet.Frame{}, ErrNoSession
	}

	data, err := sess.Open(s.Record)
	if err != nil {
		return packet.Frame{}, err
	}
	if !c.inbox.TryPut(data) {
		return packet.Frame{}, ErrInboxFull
	}
	c.advance(sess)
	return packet.Seal(packet.MagicEncrypted, packet.Empty{})
}

// handleSecureRequest answers the AP's receive with the queued message.
// It never waits: a record is only sealed for a request that is answered
// immediately, so the nonce cannot move past an AP that gave up.
func (c *Component) handleSecureRequest(req packet.Frame) (packet.Frame, error) {
	if err := req.Open(packet.MagicEncryptedReq, packet.Empty{}); err != nil {
		return packet.Frame{}, err
	}
	sess := c.currentSession()
	if sess == nil {
		return packet.Frame{}, ErrNoSession
	}

	data, ok := c.outbox.TryTake()
	if !ok {
		return packet.Frame{}, ErrNothingQueued
	}
	rec, err := sess.Seal(data)
	if err != nil {
		return packet.Frame{}, err
	}
	resp, err := packet.Seal(packet.MagicEncrypted, &packet.Secure{Record: rec})
	if err != nil {
		return packet.Frame{}, err
	}
	c.advance(sess)
	return resp, nil
}

func (c *Component) currentSession() *channel.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// advance moves the session nonce after a completed round trip
func (c *Component) advance(sess *channel.Session) {
	c.mu.Lock()
	sess.Advance()
	c.mu.Unlock()
}
