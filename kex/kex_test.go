package kex

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/packet"
)

var hmacKey = []byte("0123456789abcdef0123456789abcdef")

func start(t *testing.T) (*Initiator, packet.Frame) {
	t.Helper()
	k := NewInitiator(0x11111124, hmacKey)
	if err := k.Generate(rand.Reader); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if k.State() != KeyGenerated {
		t.Fatalf("Expected state %s, got %s", KeyGenerated, k.State())
	}
	req, err := k.Request()
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if k.State() != Sent {
		t.Fatalf("Expected state %s, got %s", Sent, k.State())
	}
	return k, req
}

func TestExchangeDerivesSameSession(t *testing.T) {
	k, req := start(t)

	resp, compSess, err := Respond(req, rand.Reader, 0x11111124, hmacKey)
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	apSess, err := k.Complete(resp)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if k.State() != Verified {
		t.Errorf("Expected state %s, got %s", Verified, k.State())
	}
	if !bytes.Equal(apSess.SharedSecret, compSess.SharedSecret) {
		t.Fatal("Shared secrets differ")
	}
	if apSess.Key != compSess.Key {
		t.Fatal("Derived keys differ")
	}
	if apSess.Nonce != 0 || compSess.Nonce != 0 {
		t.Error("Expected nonce counters to start at 0")
	}
	if k.priv != nil {
		t.Error("Ephemeral key not discarded")
	}

	rec, err := apSess.Seal([]byte("post-boot"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if got, err := compSess.Open(rec); err != nil || string(got) != "post-boot" {
		t.Fatalf("Open = %q, %v", got, err)
	}
}

// tamper flips byte i of the material and re-seals the frame so only the
// hash or point check can catch it
func tamper(t *testing.T, f packet.Frame, magic packet.Magic, i int, fixHash bool) packet.Frame {
	t.Helper()
	var p packet.Kex
	if err := f.Open(magic, &p); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p.Material[i] ^= 0x01
	if fixHash {
		p.Hash = sha256.Sum256(p.Material[:])
	}
	out, err := packet.Seal(magic, &p)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return out
}

func TestTamperedMaterialFailsHash(t *testing.T) {
	_, req := start(t)
	for i := 0; i < packet.MaterialSize; i++ {
		bad := tamper(t, req, packet.MagicKexRequest, i, false)
		if _, _, err := Respond(bad, rand.Reader, 1, hmacKey); !errors.Is(err, ErrHash) {
			t.Fatalf("Byte %d: expected ErrHash, got %v", i, err)
		}
	}
}

func TestTamperedMaterialFailsPointCheck(t *testing.T) {
	_, req := start(t)
	for i := 0; i < packet.MaterialSize; i++ {
		bad := tamper(t, req, packet.MagicKexRequest, i, true)
		if _, _, err := Respond(bad, rand.Reader, 1, hmacKey); !errors.Is(err, ecc.ErrInvalidPoint) {
			t.Fatalf("Byte %d: expected ErrInvalidPoint, got %v", i, err)
		}
	}
}

func TestCompleteFailures(t *testing.T) {
	tests := []struct {
		name string
		resp func(t *testing.T, req packet.Frame) packet.Frame
		err  error
	}{
		{
			name: "error frame",
			resp: func(t *testing.T, req packet.Frame) packet.Frame { return packet.ErrorFrame() },
			err:  packet.ErrProtocol,
		},
		{
			name: "request magic echoed back",
			resp: func(t *testing.T, req packet.Frame) packet.Frame { return req },
			err:  packet.ErrProtocol,
		},
		{
			name: "corrupted checksum",
			resp: func(t *testing.T, req packet.Frame) packet.Frame {
				resp, _, err := Respond(req, rand.Reader, 1, hmacKey)
				if err != nil {
					t.Fatalf("Respond failed: %v", err)
				}
				resp.Checksum ^= 1
				return resp
			},
			err: packet.ErrChecksum,
		},
		{
			name: "hash mismatch",
			resp: func(t *testing.T, req packet.Frame) packet.Frame {
				resp, _, err := Respond(req, rand.Reader, 1, hmacKey)
				if err != nil {
					t.Fatalf("Respond failed: %v", err)
				}
				return tamper(t, resp, packet.MagicKexResponse, 5, false)
			},
			err: ErrHash,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, req := start(t)
			_, err := k.Complete(tt.resp(t, req))
			if !errors.Is(err, tt.err) {
				t.Errorf("Complete() error = %v, want %v", err, tt.err)
			}
			if k.State() != Failed {
				t.Errorf("Expected state %s, got %s", Failed, k.State())
			}
			if k.priv != nil {
				t.Error("Ephemeral key not discarded on failure")
			}
		})
	}
}

func TestOutOfOrderTransitions(t *testing.T) {
	k := NewInitiator(1, hmacKey)
	if _, err := k.Request(); !errors.Is(err, ErrState) {
		t.Errorf("Expected ErrState, got %v", err)
	}
	if k.State() != Failed {
		t.Errorf("Expected state %s, got %s", Failed, k.State())
	}

	k = NewInitiator(1, hmacKey)
	if _, err := k.Complete(packet.ErrorFrame()); !errors.Is(err, ErrState) {
		t.Errorf("Expected ErrState, got %v", err)
	}
}
