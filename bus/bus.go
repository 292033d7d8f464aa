// Package bus is the transport shim between the AP and its Components.
//
// A Controller (AP side) sends one request frame to a bus address and waits
// for exactly one response. A Peripheral (Component side) answers each
// request through a registered Handler. Backends differ only in how bytes
// move: in-process (Memory), vsock or TCP streams (Stream), or NATS
// request/reply (NATS).
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/packet"
)

// DefaultTimeout bounds a transaction when the caller's context has no deadline
const DefaultTimeout = 2 * time.Second

// Reserved addresses that are never scanned (other on-board peripherals)
var Blacklist = []uint8{0x18, 0x28, 0x36}

// Scan range for discovery
const (
	ScanFirst uint8 = 0x08
	ScanLast  uint8 = 0x77
)

// ErrTransport covers any failure to move a transaction across the bus
var ErrTransport = errors.New("bus: transport failure")

// Handler answers one request; it returns the encoded response frame
type Handler func(ctx context.Context, req []byte) []byte

// Controller is the AP side of the bus
type Controller interface {
	SendTransaction(ctx context.Context, addr uint8, req []byte) ([]byte, error)
	Close() error
}

// Peripheral is the Component side of the bus
type Peripheral interface {
	RegisterReceiveHandler(h Handler)
	Serve(ctx context.Context) error
}

// AddressOf maps a Component ID to its bus address (the low byte)
func AddressOf(id uint32) uint8 {
	return uint8(id & 0xFF)
}

// IsReserved reports whether addr is on the blacklist
func IsReserved(addr uint8) bool {
	for _, b := range Blacklist {
		if addr == b {
			return true
		}
	}
	return false
}

// Exchange sends req to addr and parses the response. Any transport failure,
// timeout or unparseable response is returned as a zeroed ERROR frame.
func Exchange(ctx context.Context, ctrl Controller, addr uint8, req packet.Frame) packet.Frame {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	raw, err := ctrl.SendTransaction(ctx, addr, req.Bytes())
	if err != nil {
		log.Debug().Err(err).Uint8("addr", addr).Str("magic", req.Magic.String()).Msg("Transaction failed")
		return packet.ErrorFrame()
	}
	resp, err := packet.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Uint8("addr", addr).Msg("Malformed response")
		return packet.ErrorFrame()
	}
	return resp
}

// Serve decodes a raw request, hands it to h and guarantees a full-size
// response. Used by every peripheral backend.
func serve(ctx context.Context, h Handler, raw []byte) []byte {
	if h == nil {
		return packet.ErrorFrame().Bytes()
	}
	resp := h(ctx, raw)
	if len(resp) == 0 || len(resp) > packet.FrameSize {
		return packet.ErrorFrame().Bytes()
	}
	return resp
}

func transportErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}
