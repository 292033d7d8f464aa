// Package peripheral is the Component side of the pairing protocol.
//
// A Component starts in PreBoot, where it answers discovery, validation,
// attestation, boot and replacement commands. A BOOT command carrying a
// valid AP signature moves it to PostBoot for the rest of the process
// lifetime; from then on it accepts one key exchange and after that only
// secure-channel traffic.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/packet"
	"github.com/mesmerverse/bootguard/secrets"
)

// State of the Component boot gate
type State int

const (
	PreBoot State = iota
	PostBoot
)

func (s State) String() string {
	switch s {
	case PreBoot:
		return "preboot"
	case PostBoot:
		return "postboot"
	default:
		return "unknown"
	}
}

var (
	// ErrNoSession means secure traffic arrived before a key exchange
	ErrNoSession = errors.New("peripheral: no secure session")

	// ErrNothingQueued means the application has no message for the AP yet
	ErrNothingQueued = errors.New("peripheral: no message queued")

	// ErrInboxFull means the application has not taken the previous message
	ErrInboxFull = errors.New("peripheral: previous message not yet received")
)

// Config is everything a Component is provisioned with
type Config struct {
	ID          uint32
	BootMessage string
	Secrets     *secrets.ComponentSecrets
	Attestation *secrets.SealedAttestation
	Rand        io.Reader
}

// Status is a snapshot for health reporting
type Status struct {
	ID      uint32 `json:"id"`
	State   string `json:"state"`
	Session bool   `json:"session"`
	Nonce   uint32 `json:"nonce"`
}

// Component is the protocol context of one Component
type Component struct {
	id      uint32
	bootMsg string
	hmacKey []byte
	sealed  *secrets.SealedAttestation
	rand    io.Reader

	componentKey *ecc.PrivateKey
	customerKey  *ecc.PrivateKey
	apBootPub    *ecc.PublicKey
	apAttestPub  *ecc.PublicKey

	// serializes Handle: one command at a time
	handleMu sync.Mutex

	mu      sync.RWMutex
	state   State
	session *channel.Session

	inbox  *channel.Slot
	outbox *channel.Slot
	booted chan struct{}
}

// New builds a Component in PreBoot
func New(cfg Config) (*Component, error) {
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("component secrets are required")
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("random source is required")
	}

	c := &Component{
		id:      cfg.ID,
		bootMsg: cfg.BootMessage,
		hmacKey: cfg.Secrets.HMACKey,
		sealed:  cfg.Attestation,
		rand:    cfg.Rand,
		state:   PreBoot,
		inbox:   channel.NewSlot(),
		outbox:  channel.NewSlot(),
		booted:  make(chan struct{}),
	}

	var err error
	if c.componentKey, err = cfg.Secrets.ComponentPrivateKey(); err != nil {
		return nil, fmt.Errorf("failed to parse component key: %w", err)
	}
	if c.customerKey, err = cfg.Secrets.CustomerPrivateKey(); err != nil {
		return nil, fmt.Errorf("failed to parse customer key: %w", err)
	}
	if c.apBootPub, err = cfg.Secrets.APBootPublicKey(); err != nil {
		return nil, fmt.Errorf("failed to parse AP boot key: %w", err)
	}
	if c.apAttestPub, err = cfg.Secrets.APAttestPublicKey(); err != nil {
		return nil, fmt.Errorf("failed to parse AP attestation key: %w", err)
	}
	return c, nil
}

// ID returns the Component ID
func (c *Component) ID() uint32 {
	return c.id
}

// State returns the current boot state
func (c *Component) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns a snapshot for health reporting
func (c *Component) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{ID: c.id, State: c.state.String()}
	if c.session != nil {
		st.Session = true
		st.Nonce = c.session.Nonce
	}
	return st
}

// WaitBoot blocks until the Component has been booted
func (c *Component) WaitBoot(ctx context.Context) error {
	select {
	case <-c.booted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SecureSend queues data for the AP's next secure receive
func (c *Component) SecureSend(ctx context.Context, data []byte) error {
	if len(data) > channel.MaxMessage {
		return channel.ErrTooLong
	}
	return c.outbox.Put(ctx, data)
}

// SecureReceive waits for the next message the AP sends
func (c *Component) SecureReceive(ctx context.Context) ([]byte, error) {
	return c.inbox.Take(ctx)
}

// Close destroys the session and private keys
func (c *Component) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	ecc.Zero(c.componentKey)
	ecc.Zero(c.customerKey)
}

// accepts reports whether magic is allowed in the current state
func (c *Component) accepts(magic packet.Magic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == PreBoot {
		switch magic {
		case packet.MagicList, packet.MagicValidate, packet.MagicAttest,
			packet.MagicBoot, packet.MagicKexRequest, packet.MagicReplace:
			return true
		}
		return false
	}

	if c.session == nil {
		return magic == packet.MagicKexRequest
	}
	return magic == packet.MagicEncrypted || magic == packet.MagicEncryptedReq
}

// Handle answers one raw request; it is the Component's bus handler
func (c *Component) Handle(ctx context.Context, raw []byte) []byte {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	req, err := packet.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Dropping malformed request")
		return packet.ErrorFrame().Bytes()
	}

	logger := log.With().Uint32("component_id", c.id).Str("magic", req.Magic.String()).Logger()

	if !c.accepts(req.Magic) {
		logger.Warn().Str("state", c.State().String()).Msg("SECURITY: Command not allowed in current state")
		return packet.ErrorFrame().Bytes()
	}

	var resp packet.Frame
	switch req.Magic {
	case packet.MagicList:
		resp, err = c.handleList(req)
	case packet.MagicValidate:
		resp, err = c.handleValidate(req)
	case packet.MagicBoot:
		resp, err = c.handleBoot(req)
	case packet.MagicAttest:
		resp, err = c.handleAttest(req)
	case packet.MagicReplace:
		resp, err = c.handleReplace(req)
	case packet.MagicKexRequest:
		resp, err = c.handleKex(req)
	case packet.MagicEncrypted:
		resp, err = c.handleSecure(req)
	case packet.MagicEncryptedReq:
		resp, err = c.handleSecureRequest(req)
	}
	if errors.Is(err, ErrNothingQueued) || errors.Is(err, ErrInboxFull) {
		// Normal while the AP polls; the nonce has not moved
		logger.Debug().Err(err).Msg("Secure request deferred")
		return packet.ErrorFrame().Bytes()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("SECURITY: Request rejected")
		return packet.ErrorFrame().Bytes()
	}
	return resp.Bytes()
}
