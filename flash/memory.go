package flash

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by a Memory page told to fail
var ErrInjected = errors.New("flash: injected failure")

// Memory is an in-process page for tests and the dev-mode "memory" backend.
// Its contents do not survive a restart.
type Memory struct {
	mu   sync.Mutex
	data []byte

	// FailWrite makes the next WritePage fail after the erase has happened
	FailWrite bool
}

// NewMemory returns an erased page
func NewMemory() *Memory {
	return &Memory{data: ErasedPage()}
}

// ReadPage implements Page
func (m *Memory) ReadPage(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

// ErasePage implements Page
func (m *Memory) ErasePage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = ErasedPage()
	return nil
}

// WritePage implements Page
func (m *Memory) WritePage(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite {
		m.FailWrite = false
		return ErrInjected
	}
	out, err := program(m.data, data)
	if err != nil {
		return err
	}
	m.data = out
	return nil
}
