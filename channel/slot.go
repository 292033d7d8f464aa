package channel

import (
	"context"
)

// Slot is a single-entry handoff between the bus handler and the
// application. Put blocks while the slot is full, Take while it is empty.
// The bus side uses TryPut and TryTake so a request never waits on the
// application.
type Slot struct {
	ch chan []byte
}

// NewSlot creates an empty slot
func NewSlot() *Slot {
	return &Slot{ch: make(chan []byte, 1)}
}

// Put stores a copy of b, waiting for the slot to free up
func (s *Slot) Put(ctx context.Context, b []byte) error {
	msg := make([]byte, len(b))
	copy(msg, b)
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take removes the stored message, waiting for one to arrive
func (s *Slot) Take(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPut stores a copy of b only if the slot is free
func (s *Slot) TryPut(b []byte) bool {
	msg := make([]byte, len(b))
	copy(msg, b)
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// TryTake removes the stored message without waiting
func (s *Slot) TryTake() ([]byte, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	default:
		return nil, false
	}
}
