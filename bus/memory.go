package bus

import (
	"context"
	"sync"
)

// Tap observes or rewrites a transaction in flight. It receives the request
// and the peripheral's response and returns the response to deliver.
type Tap func(addr uint8, req, resp []byte) []byte

// Memory is an in-process bus. Peripherals attach at an address and the
// controller side dispatches directly to their handlers.
type Memory struct {
	mu    sync.RWMutex
	nodes map[uint8]*MemoryPeripheral
	tap   Tap
}

// NewMemory creates an empty in-process bus
func NewMemory() *Memory {
	return &Memory{nodes: make(map[uint8]*MemoryPeripheral)}
}

// Attach registers a peripheral at addr, replacing any previous one
func (m *Memory) Attach(addr uint8) *MemoryPeripheral {
	p := &MemoryPeripheral{addr: addr}
	m.mu.Lock()
	m.nodes[addr] = p
	m.mu.Unlock()
	return p
}

// SetTap installs a hook run on every transaction; nil removes it
func (m *Memory) SetTap(t Tap) {
	m.mu.Lock()
	m.tap = t
	m.mu.Unlock()
}

// SendTransaction implements Controller
func (m *Memory) SendTransaction(ctx context.Context, addr uint8, req []byte) ([]byte, error) {
	m.mu.RLock()
	p, ok := m.nodes[addr]
	tap := m.tap
	m.mu.RUnlock()
	if !ok {
		return nil, transportErr("no device at 0x%02x", addr)
	}

	type result struct{ resp []byte }
	done := make(chan result, 1)
	go func() {
		done <- result{p.handle(ctx, req)}
	}()

	select {
	case r := <-done:
		resp := r.resp
		if tap != nil {
			resp = tap(addr, req, resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, transportErr("0x%02x: %v", addr, ctx.Err())
	}
}

// Close implements Controller
func (m *Memory) Close() error {
	return nil
}

// MemoryPeripheral is one device on a Memory bus
type MemoryPeripheral struct {
	addr    uint8
	mu      sync.Mutex
	handler Handler
}

// RegisterReceiveHandler implements Peripheral
func (p *MemoryPeripheral) RegisterReceiveHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Serve implements Peripheral; requests are delivered by the bus itself
func (p *MemoryPeripheral) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// handle runs one request at a time
func (p *MemoryPeripheral) handle(ctx context.Context, req []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := make([]byte, len(req))
	copy(in, req)
	return serve(ctx, p.handler, in)
}
