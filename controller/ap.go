// Package controller is the AP side of the pairing protocol: discovery,
// all-or-nothing boot authorization, gated attestation release, the
// replacement flow, and post-boot secure messaging.
//
// The AP runs one command at a time to completion. Every exchange goes
// through the bus shim, so a silent or misbehaving Component shows up as an
// ERROR frame and aborts the command.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/flash"
	"github.com/mesmerverse/bootguard/packet"
	"github.com/mesmerverse/bootguard/rng"
	"github.com/mesmerverse/bootguard/secrets"
)

var (
	// ErrNoSession means no secure session exists for the Component
	ErrNoSession = errors.New("controller: no secure session")

	// ErrIdentity means a Component answered with an unexpected ID
	ErrIdentity = errors.New("controller: component identity mismatch")
)

// Options tune AP behavior
type Options struct {
	// Banner is printed when boot completes
	Banner string

	// Timeout bounds each bus exchange
	Timeout time.Duration

	// StrictBootAck verifies the Component signature on BOOT_ACK
	StrictBootAck bool

	// VerifyBeforeCommit checks the replacement proof before the record is
	// updated. Off by default: the record is committed first and a failed
	// proof leaves it updated.
	VerifyBeforeCommit bool

	// Discovery scan range, inclusive; reserved addresses are skipped
	ScanFirst uint8
	ScanLast  uint8
	Blacklist []uint8
}

// DefaultOptions returns the stock AP behavior
func DefaultOptions() Options {
	return Options{
		Banner:    "Boot complete",
		Timeout:   bus.DefaultTimeout,
		ScanFirst: bus.ScanFirst,
		ScanLast:  bus.ScanLast,
		Blacklist: bus.Blacklist,
	}
}

// PostBootFunc runs after a successful boot with the booted AP
type PostBootFunc func(ctx context.Context, ap *AP) error

// Config wires an AP together
type Config struct {
	Bus      bus.Controller
	Store    *flash.Store
	Secrets  *secrets.APSecrets
	Rand     io.Reader
	Reporter *Reporter
	Options  Options
	PostBoot PostBootFunc
}

// AP is the Application Processor context
type AP struct {
	bus      bus.Controller
	store    *flash.Store
	secrets  *secrets.APSecrets
	rand     io.Reader
	rep      *Reporter
	opts     Options
	postBoot PostBootFunc

	bootKey      *ecc.PrivateKey
	attestKey    *ecc.PrivateKey
	componentPub *ecc.PublicKey
	customerPub  *ecc.PublicKey

	// one command at a time
	cmdMu sync.Mutex

	mu       sync.RWMutex
	phase    Phase
	sessions map[uint32]*channel.Session
}

// New validates cfg and builds the AP context
func New(cfg Config) (*AP, error) {
	if cfg.Bus == nil || cfg.Store == nil || cfg.Secrets == nil || cfg.Rand == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("bus, store, secrets, random source and reporter are required")
	}

	a := &AP{
		bus:      cfg.Bus,
		store:    cfg.Store,
		secrets:  cfg.Secrets,
		rand:     cfg.Rand,
		rep:      cfg.Reporter,
		opts:     cfg.Options,
		postBoot: cfg.PostBoot,
		phase:    Idle,
		sessions: make(map[uint32]*channel.Session),
	}
	if a.opts.Timeout <= 0 {
		a.opts.Timeout = bus.DefaultTimeout
	}

	var err error
	if a.bootKey, err = cfg.Secrets.BootPrivateKey(); err != nil {
		return nil, fmt.Errorf("failed to parse AP boot key: %w", err)
	}
	if a.attestKey, err = cfg.Secrets.AttestPrivateKey(); err != nil {
		return nil, fmt.Errorf("failed to parse AP attestation key: %w", err)
	}
	if a.componentPub, err = cfg.Secrets.ComponentPublicKey(); err != nil {
		return nil, fmt.Errorf("failed to parse component key: %w", err)
	}
	if a.customerPub, err = cfg.Secrets.CustomerPublicKey(); err != nil {
		return nil, fmt.Errorf("failed to parse customer key: %w", err)
	}
	return a, nil
}

// Reporter returns the AP's output channel
func (a *AP) Reporter() *Reporter {
	return a.rep
}

// Phase returns where the last boot attempt ended
func (a *AP) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// Sessions returns the IDs holding a secure session
func (a *AP) Sessions() []uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]uint32, 0, len(a.sessions))
	for _, id := range a.store.IDs() {
		if _, ok := a.sessions[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close destroys sessions and private keys
func (a *AP) Close() {
	a.invalidate()
	ecc.Zero(a.bootKey)
	ecc.Zero(a.attestKey)
}

// exchange runs one bus transaction with the configured timeout
func (a *AP) exchange(ctx context.Context, addr uint8, req packet.Frame) packet.Frame {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	return bus.Exchange(ctx, a.bus, addr, req)
}

// invalidate destroys every session
func (a *AP) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		s.Destroy()
		delete(a.sessions, id)
	}
}

func (a *AP) challenge() ([packet.ChallengeSize]byte, error) {
	var c [packet.ChallengeSize]byte
	b, err := rng.Bytes(a.rand, len(c))
	if err != nil {
		return c, fmt.Errorf("failed to generate challenge: %w", err)
	}
	copy(c[:], b)
	return c, nil
}
