package rng

import (
	"bytes"
	"strings"
	"testing"
)

func TestBytes(t *testing.T) {
	r, closeFn := Default()
	defer closeFn()

	a, err := Bytes(r, 32)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	b, err := Bytes(r, 32)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("Expected 32 bytes, got %d", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("Two draws returned identical bytes")
	}
}

func TestBytesShortSource(t *testing.T) {
	if _, err := Bytes(strings.NewReader("abc"), 32); err == nil {
		t.Error("Expected error from exhausted source")
	}
}
