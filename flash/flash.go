// Package flash persists the Provisioned Component Record: the list of
// Component IDs this AP will boot. The record lives in a single erasable
// page and is only ever updated by erasing the page and writing the whole
// record again, so a reader observes either a full record or an erased
// page.
package flash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PageSize is the size of the storage page holding the record
	PageSize = 256

	// Magic marks an initialized record
	Magic uint16 = 0xB007

	// MaxComponents is the number of IDs a page can describe
	MaxComponents = 32

	headerSize = 6
	erased     = 0xFF
)

var (
	// ErrNotProvisioned means the page holds no record, or an ID is not in it
	ErrNotProvisioned = errors.New("flash: not provisioned")

	// ErrStorage covers read, erase and write failures of the backend
	ErrStorage = errors.New("flash: storage failure")

	// ErrDuplicate means the incoming ID is already provisioned
	ErrDuplicate = errors.New("flash: component already provisioned")
)

// Page is one erasable storage page
type Page interface {
	ReadPage(ctx context.Context) ([]byte, error)
	ErasePage(ctx context.Context) error
	WritePage(ctx context.Context, data []byte) error
}

// Record is the decoded persistent state
type Record struct {
	IDs []uint32
}

// Encode renders the record into a full page; unused bytes stay erased
func (r Record) Encode() ([]byte, error) {
	if len(r.IDs) > MaxComponents {
		return nil, fmt.Errorf("%w: %d components exceeds %d", ErrStorage, len(r.IDs), MaxComponents)
	}
	page := ErasedPage()
	binary.LittleEndian.PutUint16(page[0:2], Magic)
	binary.LittleEndian.PutUint32(page[2:6], uint32(len(r.IDs)))
	for i, id := range r.IDs {
		binary.LittleEndian.PutUint32(page[headerSize+4*i:], id)
	}
	return page, nil
}

// Decode parses a page. An erased or foreign page is ErrNotProvisioned.
func Decode(page []byte) (Record, error) {
	if len(page) != PageSize {
		return Record{}, fmt.Errorf("%w: page is %d bytes, want %d", ErrStorage, len(page), PageSize)
	}
	if binary.LittleEndian.Uint16(page[0:2]) != Magic {
		return Record{}, ErrNotProvisioned
	}
	count := binary.LittleEndian.Uint32(page[2:6])
	if count > MaxComponents {
		return Record{}, fmt.Errorf("%w: record claims %d components", ErrStorage, count)
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(page[headerSize+4*i:])
	}
	return Record{IDs: ids}, nil
}

// ErasedPage returns a page in the erased state
func ErasedPage() []byte {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = erased
	}
	return page
}

// program applies a write to a page the way NOR flash does: bits can only
// be cleared, so writing over a non-erased page corrupts it
func program(old, data []byte) ([]byte, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("%w: write of %d bytes, want %d", ErrStorage, len(data), PageSize)
	}
	if len(old) != PageSize {
		old = ErasedPage()
	}
	out := make([]byte, PageSize)
	for i := range out {
		out[i] = old[i] & data[i]
	}
	return out, nil
}
