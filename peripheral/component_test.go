package peripheral

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/mesmerverse/bootguard/channel"
	"github.com/mesmerverse/bootguard/ecc"
	"github.com/mesmerverse/bootguard/kex"
	"github.com/mesmerverse/bootguard/packet"
	"github.com/mesmerverse/bootguard/secrets"
)

const testID = 0x11111124

type fixture struct {
	c       *Component
	ap      *secrets.APSecrets
	d       *secrets.Deployment
	bootKey *ecc.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := secrets.Generate(rand.Reader, "123456", "0123456789abcdef")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	ap, err := d.AP()
	if err != nil {
		t.Fatalf("AP failed: %v", err)
	}
	comp, err := d.Component()
	if err != nil {
		t.Fatalf("Component failed: %v", err)
	}
	sealed, err := secrets.SealAttestation(d.UnwrapKey, secrets.Attestation{
		Location: "Pittsburgh", Date: "2026-10-19", Customer: "Mesmerverse",
	})
	if err != nil {
		t.Fatalf("SealAttestation failed: %v", err)
	}

	c, err := New(Config{
		ID:          testID,
		BootMessage: "Component 0x11111124 online",
		Secrets:     comp,
		Attestation: sealed,
		Rand:        rand.Reader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	bootKey, _ := ap.BootPrivateKey()
	return &fixture{c: c, ap: ap, d: d, bootKey: bootKey}
}

func (f *fixture) send(t *testing.T, req packet.Frame) packet.Frame {
	t.Helper()
	resp, err := packet.Parse(f.c.Handle(context.Background(), req.Bytes()))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return resp
}

func seal(t *testing.T, magic packet.Magic, p packet.Payload) packet.Frame {
	t.Helper()
	f, err := packet.Seal(magic, p)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return f
}

func (f *fixture) bootFrame(t *testing.T, key *ecc.PrivateKey) (packet.Frame, [packet.ChallengeSize]byte) {
	t.Helper()
	var b packet.Boot
	rand.Read(b.Data[:])
	b.Signature = ecc.Sign(key, b.Data[:])
	return seal(t, packet.MagicBoot, &b), b.Data
}

func (f *fixture) boot(t *testing.T) {
	t.Helper()
	req, _ := f.bootFrame(t, f.bootKey)
	if resp := f.send(t, req); resp.Magic != packet.MagicBootAck {
		t.Fatalf("Expected BOOT_ACK, got %s", resp.Magic)
	}
}

func (f *fixture) kex(t *testing.T) *channel.Session {
	t.Helper()
	k := kex.NewInitiator(testID, f.ap.HMACKey)
	if err := k.Generate(rand.Reader); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	req, err := k.Request()
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	sess, err := k.Complete(f.send(t, req))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	return sess
}

func TestListAndValidate(t *testing.T) {
	f := newFixture(t)

	var ack packet.ListAck
	if err := f.send(t, seal(t, packet.MagicList, packet.ListCommand{})).Open(packet.MagicListAck, &ack); err != nil {
		t.Fatalf("Open LIST_ACK failed: %v", err)
	}
	if ack.ID != testID {
		t.Errorf("Expected ID 0x%08x, got 0x%08x", testID, ack.ID)
	}

	v := packet.Validate{Challenge: [32]byte{9, 9, 9}}
	var vack packet.ValidateAck
	if err := f.send(t, seal(t, packet.MagicValidate, &v)).Open(packet.MagicValidateAck, &vack); err != nil {
		t.Fatalf("Open VALIDATE_ACK failed: %v", err)
	}
	pub, _ := f.ap.ComponentPublicKey()
	if err := ecc.Verify(pub, packet.ValidateSignedBytes(v.Challenge, testID), vack.Signature); err != nil {
		t.Errorf("Validation signature rejected: %v", err)
	}
	if f.c.State() != PreBoot {
		t.Errorf("Expected %s, got %s", PreBoot, f.c.State())
	}
}

func TestBootRequiresAPSignature(t *testing.T) {
	f := newFixture(t)

	other, _ := ecc.GenerateKey(rand.Reader)
	req, _ := f.bootFrame(t, other)
	if resp := f.send(t, req); !resp.IsError() {
		t.Fatalf("Expected ERROR for forged boot, got %s", resp.Magic)
	}
	if f.c.State() != PreBoot {
		t.Fatalf("Forged boot changed state to %s", f.c.State())
	}

	req, data := f.bootFrame(t, f.bootKey)
	var ack packet.BootAck
	if err := f.send(t, req).Open(packet.MagicBootAck, &ack); err != nil {
		t.Fatalf("Open BOOT_ACK failed: %v", err)
	}
	if ack.Text() != "Component 0x11111124 online" {
		t.Errorf("Unexpected boot message %q", ack.Text())
	}
	pub, _ := f.ap.ComponentPublicKey()
	if err := ecc.Verify(pub, packet.BootAckSignedBytes(data), ack.Signature); err != nil {
		t.Errorf("Boot ack signature rejected: %v", err)
	}
	if f.c.State() != PostBoot {
		t.Errorf("Expected %s, got %s", PostBoot, f.c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.c.WaitBoot(ctx); err != nil {
		t.Errorf("WaitBoot failed: %v", err)
	}
}

func TestPostBootGate(t *testing.T) {
	f := newFixture(t)
	f.boot(t)

	attest := &packet.Attest{Tag: packet.AttestTag, Position: 1}
	bootAgain, _ := f.bootFrame(t, f.bootKey)
	rejected := []packet.Frame{
		seal(t, packet.MagicList, packet.ListCommand{}),
		seal(t, packet.MagicValidate, &packet.Validate{}),
		seal(t, packet.MagicAttest, attest),
		seal(t, packet.MagicReplace, &packet.Replace{}),
		bootAgain,
		// secure traffic before the post-boot KEX
		seal(t, packet.MagicEncryptedReq, packet.Empty{}),
	}
	for _, req := range rejected {
		if resp := f.send(t, req); !resp.IsError() {
			t.Errorf("Expected %s to be rejected in postboot, got %s", req.Magic, resp.Magic)
		}
	}

	f.kex(t)
	if !f.c.Status().Session {
		t.Fatal("Expected session after KEX")
	}

	// Exactly one KEX after boot
	k := kex.NewInitiator(testID, f.ap.HMACKey)
	k.Generate(rand.Reader)
	req, _ := k.Request()
	if resp := f.send(t, req); !resp.IsError() {
		t.Errorf("Expected second KEX to be rejected, got %s", resp.Magic)
	}
	if f.c.State() != PostBoot {
		t.Errorf("State must stay %s", PostBoot)
	}
}

func TestSecureExchange(t *testing.T) {
	f := newFixture(t)
	f.boot(t)
	sess := f.kex(t)
	ctx := context.Background()

	// AP -> Component
	rec, err := sess.Seal([]byte("ping"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sendFrame := seal(t, packet.MagicEncrypted, &packet.Secure{Record: rec})
	if resp := f.send(t, sendFrame); resp.Magic != packet.MagicEncrypted {
		t.Fatalf("Expected ENCRYPTED ack, got %s", resp.Magic)
	}
	sess.Advance()

	got, err := f.c.SecureReceive(ctx)
	if err != nil || string(got) != "ping" {
		t.Fatalf("SecureReceive = %q, %v", got, err)
	}

	// Replaying the captured record is rejected
	if resp := f.send(t, sendFrame); !resp.IsError() {
		t.Fatalf("Expected replay to be rejected, got %s", resp.Magic)
	}

	// Component -> AP
	if err := f.c.SecureSend(ctx, []byte("pong")); err != nil {
		t.Fatalf("SecureSend failed: %v", err)
	}
	resp := f.send(t, seal(t, packet.MagicEncryptedReq, packet.Empty{}))
	var s packet.Secure
	if err := resp.Open(packet.MagicEncrypted, &s); err != nil {
		t.Fatalf("Open SECURE failed: %v", err)
	}
	data, err := sess.Open(s.Record)
	if err != nil {
		t.Fatalf("Session Open failed: %v", err)
	}
	if string(data) != "pong" {
		t.Errorf("Expected pong, got %q", data)
	}
	sess.Advance()

	if st := f.c.Status(); st.Nonce != 2 {
		t.Errorf("Expected component nonce 2, got %d", st.Nonce)
	}

	if err := f.c.SecureSend(ctx, make([]byte, channel.MaxMessage+1)); !errors.Is(err, channel.ErrTooLong) {
		t.Errorf("Expected ErrTooLong, got %v", err)
	}
}

func TestSecureRequestWithNothingQueued(t *testing.T) {
	f := newFixture(t)
	f.boot(t)
	f.kex(t)

	// Answered at once even without a deadline
	raw := f.c.Handle(context.Background(), seal(t, packet.MagicEncryptedReq, packet.Empty{}).Bytes())
	if resp, _ := packet.Parse(raw); !resp.IsError() {
		t.Fatalf("Expected ERROR when nothing is queued, got %s", resp.Magic)
	}
	if st := f.c.Status(); st.Nonce != 0 {
		t.Errorf("Nonce advanced without a message: %d", st.Nonce)
	}
}

func TestSecureSendWithInboxFull(t *testing.T) {
	f := newFixture(t)
	f.boot(t)
	sess := f.kex(t)
	ctx := context.Background()

	sendFrame := func(msg string) packet.Frame {
		rec, err := sess.Seal([]byte(msg))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		return seal(t, packet.MagicEncrypted, &packet.Secure{Record: rec})
	}

	if resp := f.send(t, sendFrame("one")); resp.Magic != packet.MagicEncrypted {
		t.Fatalf("Expected ENCRYPTED ack, got %s", resp.Magic)
	}
	sess.Advance()

	// Application has not taken "one" yet
	second := sendFrame("two")
	if resp := f.send(t, second); !resp.IsError() {
		t.Fatalf("Expected ERROR while inbox is full, got %s", resp.Magic)
	}
	if st := f.c.Status(); st.Nonce != 1 {
		t.Fatalf("Nonce moved on a refused record: %d", st.Nonce)
	}

	if got, _ := f.c.SecureReceive(ctx); string(got) != "one" {
		t.Fatalf("Expected one, got %q", got)
	}
	// The same record is accepted once the inbox drains
	if resp := f.send(t, second); resp.Magic != packet.MagicEncrypted {
		t.Fatalf("Expected ENCRYPTED ack on retry, got %s", resp.Magic)
	}
	if got, _ := f.c.SecureReceive(ctx); string(got) != "two" {
		t.Errorf("Expected two, got %q", got)
	}
	if st := f.c.Status(); st.Nonce != 2 {
		t.Errorf("Expected component nonce 2, got %d", st.Nonce)
	}
}

func TestAttestRelease(t *testing.T) {
	f := newFixture(t)
	attestKey, _ := f.ap.AttestPrivateKey()
	other, _ := ecc.GenerateKey(rand.Reader)

	cmd := func(tag [packet.AttestTagSize]byte, pos uint8, key *ecc.PrivateKey) packet.Frame {
		a := &packet.Attest{Tag: tag, Position: pos}
		a.Signature = ecc.Sign(key, a.SignedBytes())
		return seal(t, packet.MagicAttest, a)
	}

	tests := []struct {
		name string
		req  packet.Frame
		ok   bool
	}{
		{"location", cmd(packet.AttestTag, 1, attestKey), true},
		{"customer", cmd(packet.AttestTag, 3, attestKey), true},
		{"position 0", cmd(packet.AttestTag, 0, attestKey), false},
		{"position 4", cmd(packet.AttestTag, 4, attestKey), false},
		{"wrong tag", cmd([6]byte{'a', 't', 't', 'e', 's', 'x'}, 1, attestKey), false},
		{"wrong key", cmd(packet.AttestTag, 1, other), false},
	}
	pub, _ := f.ap.ComponentPublicKey()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.send(t, tt.req)
			if !tt.ok {
				if !resp.IsError() {
					t.Fatalf("Expected ERROR, got %s", resp.Magic)
				}
				return
			}
			var ack packet.AttestAck
			if err := resp.Open(packet.MagicAttestAck, &ack); err != nil {
				t.Fatalf("Open ATTEST_ACK failed: %v", err)
			}
			if err := ecc.Verify(pub, ack.Data[:], ack.Signature); err != nil {
				t.Errorf("Field signature rejected: %v", err)
			}
		})
	}
}

func TestReplaceProof(t *testing.T) {
	f := newFixture(t)
	r := packet.Replace{Challenge: [32]byte{4, 5, 6}}
	var ack packet.ReplaceAck
	if err := f.send(t, seal(t, packet.MagicReplace, &r)).Open(packet.MagicReplaceAck, &ack); err != nil {
		t.Fatalf("Open REPLACE_ACK failed: %v", err)
	}
	pub, _ := f.ap.CustomerPublicKey()
	if err := ecc.Verify(pub, r.Challenge[:], ack.Signature); err != nil {
		t.Errorf("Replacement proof rejected: %v", err)
	}
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)
	for _, raw := range [][]byte{nil, {0x4C}, make([]byte, packet.FrameSize+1)} {
		resp, err := packet.Parse(f.c.Handle(context.Background(), raw))
		if err != nil || !resp.IsError() {
			t.Errorf("Expected ERROR frame for %d byte request", len(raw))
		}
	}

	corrupt := seal(t, packet.MagicList, packet.ListCommand{})
	corrupt.Checksum ^= 1
	if resp := f.send(t, corrupt); !resp.IsError() {
		t.Errorf("Expected ERROR for bad checksum, got %s", resp.Magic)
	}
}
