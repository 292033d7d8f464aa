package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlotHandoff(t *testing.T) {
	s := NewSlot()
	ctx := context.Background()

	msg := []byte("hello")
	if err := s.Put(ctx, msg); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	msg[0] = 'j'

	got, err := s.Take(ctx)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
	if _, ok := s.TryTake(); ok {
		t.Error("Expected empty slot after Take")
	}
}

func TestSlotTryNeverBlocks(t *testing.T) {
	s := NewSlot()

	if _, ok := s.TryTake(); ok {
		t.Fatal("Expected TryTake on empty slot to fail")
	}
	msg := []byte("first")
	if !s.TryPut(msg) {
		t.Fatal("Expected TryPut on empty slot to succeed")
	}
	msg[0] = 'x'
	if s.TryPut([]byte("second")) {
		t.Fatal("Expected TryPut on full slot to fail")
	}

	got, ok := s.TryTake()
	if !ok || string(got) != "first" {
		t.Errorf("Expected first, got %q (ok=%v)", got, ok)
	}
	if _, ok := s.TryTake(); ok {
		t.Error("Expected slot to be empty again")
	}
}

func TestSlotBlocksUntilTaken(t *testing.T) {
	s := NewSlot()
	ctx := context.Background()
	if err := s.Put(ctx, []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Put(short, []byte("second")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline on full slot, got %v", err)
	}

	done := make(chan []byte)
	go func() {
		got, _ := s.Take(ctx)
		done <- got
	}()
	select {
	case got := <-done:
		if string(got) != "first" {
			t.Errorf("Expected first, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return")
	}
}

func TestSlotTakeCancelled(t *testing.T) {
	s := NewSlot()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
