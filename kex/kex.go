// Package kex performs the ephemeral ECDH exchange that establishes a
// secure-channel session between the AP and one Component.
//
// Initiator (AP side) state machine, one per boot attempt and Component:
//
//	Idle -> KeyGenerated -> Sent -> Verified
//	                           \-> Failed
//
// The responder (Component side) is a single Respond call.
package kex

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/packet"
)

// State of an initiator exchange
type State int

const (
	Idle State = iota
	KeyGenerated
	Sent
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case KeyGenerated:
		return "key_generated"
	case Sent:
		return "sent"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrHash means the peer's material does not match the hash it supplied
	ErrHash = errors.New("kex: material hash mismatch")

	// ErrState means a transition was attempted from the wrong state
	ErrState = errors.New("kex: invalid state transition")
)

// Initiator drives the AP side of one exchange
type Initiator struct {
	Peer uint32

	state   State
	priv    *ecc.PrivateKey
	hmacKey []byte
}

// NewInitiator starts an exchange with the Component identified by peer
func NewInitiator(peer uint32, hmacKey []byte) *Initiator {
	return &Initiator{
		Peer:    peer,
		state:   Idle,
		hmacKey: hmacKey,
	}
}

// State returns the current state
func (k *Initiator) State() State {
	return k.state
}

// Generate creates the ephemeral keypair (Idle -> KeyGenerated)
func (k *Initiator) Generate(r io.Reader) error {
	if k.state != Idle {
		return k.fail(fmt.Errorf("%w: generate from %s", ErrState, k.state))
	}
	priv, err := ecc.GenerateKey(r)
	if err != nil {
		return k.fail(fmt.Errorf("failed to generate ephemeral key: %w", err))
	}
	k.priv = priv
	k.state = KeyGenerated
	return nil
}

// Request builds the KEX frame to send (KeyGenerated -> Sent)
func (k *Initiator) Request() (packet.Frame, error) {
	if k.state != KeyGenerated {
		return packet.Frame{}, k.fail(fmt.Errorf("%w: request from %s", ErrState, k.state))
	}
	frame, err := offer(k.priv, packet.MagicKexRequest)
	if err != nil {
		return packet.Frame{}, k.fail(err)
	}
	k.state = Sent
	return frame, nil
}

// Complete validates the peer's response and derives the session
// (Sent -> Verified, or Failed on any mismatch)
func (k *Initiator) Complete(resp packet.Frame) (*channel.Session, error) {
	if k.state != Sent {
		return nil, k.fail(fmt.Errorf("%w: complete from %s", ErrState, k.state))
	}
	peerPub, err := accept(resp, packet.MagicKexResponse)
	if err != nil {
		return nil, k.fail(err)
	}

	shared := ecc.SharedSecret(k.priv, peerPub)
	defer zeroBytes(shared)
	ecc.Zero(k.priv)
	k.priv = nil

	sess, err := channel.NewSession(k.Peer, shared, k.hmacKey)
	if err != nil {
		return nil, k.fail(err)
	}
	k.state = Verified
	return sess, nil
}

// Abort discards the exchange and its key material
func (k *Initiator) Abort() {
	k.state = Failed
	ecc.Zero(k.priv)
	k.priv = nil
}

func (k *Initiator) fail(err error) error {
	k.Abort()
	return err
}

// Respond handles a KEX request on the Component side. On success it returns
// the response frame and the new session; the ephemeral key is zeroed.
func Respond(req packet.Frame, r io.Reader, peer uint32, hmacKey []byte) (packet.Frame, *channel.Session, error) {
	peerPub, err := accept(req, packet.MagicKexRequest)
	if err != nil {
		return packet.Frame{}, nil, err
	}

	priv, err := ecc.GenerateKey(r)
	if err != nil {
		return packet.Frame{}, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer ecc.Zero(priv)

	resp, err := offer(priv, packet.MagicKexResponse)
	if err != nil {
		return packet.Frame{}, nil, err
	}

	shared := ecc.SharedSecret(priv, peerPub)
	defer zeroBytes(shared)

	sess, err := channel.NewSession(peer, shared, hmacKey)
	if err != nil {
		return packet.Frame{}, nil, err
	}
	return resp, sess, nil
}

// offer builds a KEX frame carrying the public material and its hash
func offer(priv *ecc.PrivateKey, magic packet.Magic) (packet.Frame, error) {
	p := &packet.Kex{Material: ecc.Material(priv.PubKey())}
	p.Hash = sha256.Sum256(p.Material[:])
	return packet.Seal(magic, p)
}

// accept validates a peer KEX frame: magic, checksum and declared length,
// then the self-integrity hash, then the curve point
func accept(f packet.Frame, want packet.Magic) (*ecc.PublicKey, error) {
	var p packet.Kex
	if err := f.Open(want, &p); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(p.Material[:])
	if subtle.ConstantTimeCompare(sum[:], p.Hash[:]) != 1 {
		return nil, ErrHash
	}
	return ecc.ParseMaterial(p.Material[:])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
