package flash

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store caches the record in memory and owns every update of the page
type Store struct {
	page Page

	mu  sync.RWMutex
	rec Record
}

// NewStore wraps a page backend
func NewStore(page Page) *Store {
	return &Store{page: page}
}

// Load reads the record from the page
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.page.ReadPage(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to read page: %v", ErrStorage, err)
	}
	rec, err := Decode(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return nil
}

// Init loads the record, writing defaults first if the page is erased
func (s *Store) Init(ctx context.Context, defaults []uint32) error {
	err := s.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotProvisioned) {
		return err
	}

	log.Info().Int("components", len(defaults)).Msg("Record uninitialized, writing provisioned defaults")
	rec := Record{IDs: append([]uint32(nil), defaults...)}
	if err := s.persist(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return nil
}

// IDs returns the provisioned IDs in record order
func (s *Store) IDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint32(nil), s.rec.IDs...)
}

// Index returns the slot of id in the record
func (s *Store) Index(id uint32) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, v := range s.rec.IDs {
		if v == id {
			return i, true
		}
	}
	return -1, false
}

// Replace swaps out for in, then erases the page and writes the whole record.
// The in-memory record is updated even if persisting fails.
func (s *Store) Replace(ctx context.Context, out, in uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := -1
	for i, v := range s.rec.IDs {
		if v == in {
			return fmt.Errorf("%w: 0x%08x", ErrDuplicate, in)
		}
		if v == out {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: 0x%08x", ErrNotProvisioned, out)
	}

	s.rec.IDs[slot] = in
	return s.persist(ctx, Record{IDs: append([]uint32(nil), s.rec.IDs...)})
}

// persist erases the page and then writes rec; the erase must complete
// before any byte of the new record is written
func (s *Store) persist(ctx context.Context, rec Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := s.page.ErasePage(ctx); err != nil {
		return fmt.Errorf("%w: failed to erase page: %v", ErrStorage, err)
	}
	if err := s.page.WritePage(ctx, data); err != nil {
		return fmt.Errorf("%w: failed to write page: %v", ErrStorage, err)
	}
	return nil
}
