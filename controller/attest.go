package controller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/packet"
	"github.com/mesmerverse/bootguard/secrets"
)

// Attest releases the attestation data of Component id. A wrong PIN stops
// the command before any bus traffic; a failure on any field stops it before
// anything is decrypted.
func (a *AP) Attest(ctx context.Context, pin string, id uint32) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	pinHash, err := a.secrets.CheckPIN(pin)
	if err != nil {
		log.Warn().Msg("SECURITY: Attestation PIN rejected")
		a.rep.Error("Invalid PIN")
		return err
	}

	var fields [secrets.FieldCount][secrets.FieldSize]byte
	for pos := uint8(1); pos <= secrets.FieldCount; pos++ {
		field, err := a.attestField(ctx, id, pos)
		if err != nil {
			log.Warn().Err(err).Uint32("component_id", id).Uint8("position", pos).Msg("SECURITY: Attestation failed")
			a.rep.Error("Attest failed")
			return err
		}
		fields[pos-1] = field
	}

	unwrapKey, err := a.secrets.UnwrapAttestationKey(pinHash)
	if err != nil {
		a.rep.Error("Attest failed")
		return err
	}
	defer zero(unwrapKey)

	att, err := secrets.OpenAttestation(unwrapKey, fields)
	if err != nil {
		a.rep.Error("Attest failed")
		return err
	}

	a.rep.Info("C>0x%08x", id)
	a.rep.Info("LOC>%s", att.Location)
	a.rep.Info("DATE>%s", att.Date)
	a.rep.Info("CUST>%s", att.Customer)
	a.rep.Success("Attest")
	return nil
}

// attestField fetches and verifies one encrypted field
func (a *AP) attestField(ctx context.Context, id uint32, pos uint8) ([secrets.FieldSize]byte, error) {
	cmd := &packet.Attest{Tag: packet.AttestTag, Position: pos}
	cmd.Signature = ecc.Sign(a.attestKey, cmd.SignedBytes())
	req, err := packet.Seal(packet.MagicAttest, cmd)
	if err != nil {
		return [secrets.FieldSize]byte{}, err
	}

	var ack packet.AttestAck
	if err := a.exchange(ctx, bus.AddressOf(id), req).Open(packet.MagicAttestAck, &ack); err != nil {
		return [secrets.FieldSize]byte{}, err
	}
	if err := ecc.Verify(a.componentPub, ack.Data[:], ack.Signature); err != nil {
		return [secrets.FieldSize]byte{}, fmt.Errorf("field %d signature: %w", pos, err)
	}
	return ack.Data, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
