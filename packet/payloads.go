package packet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Field sizes shared by several kinds
const (
	IDSize        = 4
	SignatureSize = 65
	MaterialSize  = 64
	HashSize      = 32
	ChallengeSize = 32
	MessageSize   = 64
	FieldSize     = 64
	AttestTagSize = 6
	RecordSize    = 294
)

// Payload sizes, one per kind
const (
	EmptySize       = 0
	ListSize        = 1
	ListAckSize     = 1 + IDSize
	KexSize         = 1 + MaterialSize + HashSize
	ValidateSize    = 1 + ChallengeSize
	ValidateAckSize = 1 + IDSize + SignatureSize
	BootSize        = 1 + ChallengeSize + SignatureSize
	BootAckSize     = 1 + MessageSize + SignatureSize
	AttestSize      = 1 + AttestTagSize + 1 + SignatureSize
	AttestAckSize   = 1 + FieldSize + SignatureSize
	ReplaceSize     = 1 + ChallengeSize
	ReplaceAckSize  = 1 + SignatureSize
	SecureSize      = RecordSize
)

// AttestTag is the literal command tag of an ATTEST_COMMAND
var AttestTag = [AttestTagSize]byte{'a', 't', 't', 'e', 's', 't'}

func build(size int, fn func(b *cryptobyte.Builder)) ([]byte, error) {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, size))
	fn(b)
	return b.Bytes()
}

func parse(data []byte, size int, fn func(s *cryptobyte.String) error) error {
	if len(data) != size {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrProtocol, len(data), size)
	}
	s := cryptobyte.String(data)
	if err := fn(&s); err != nil {
		return err
	}
	if !s.Empty() {
		return fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(s))
	}
	return nil
}

func readLen(s *cryptobyte.String, want uint8) error {
	var n uint8
	if !s.ReadUint8(&n) {
		return fmt.Errorf("%w: missing length", ErrProtocol)
	}
	if n != want {
		return fmt.Errorf("%w: declared length %d, want %d", ErrProtocol, n, want)
	}
	return nil
}

func short() error {
	return fmt.Errorf("%w: truncated payload", ErrProtocol)
}

// Empty is the payload of ERROR and SECURE_REQ frames
type Empty struct{}

func (Empty) Size() int                      { return EmptySize }
func (Empty) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (Empty) UnmarshalBinary(data []byte) error {
	return parse(data, EmptySize, func(*cryptobyte.String) error { return nil })
}

// ListCommand asks a bus address to self-identify
type ListCommand struct{}

func (ListCommand) Size() int { return ListSize }

func (ListCommand) MarshalBinary() ([]byte, error) {
	return build(ListSize, func(b *cryptobyte.Builder) { b.AddUint8(0) })
}

func (ListCommand) UnmarshalBinary(data []byte) error {
	return parse(data, ListSize, func(s *cryptobyte.String) error { return readLen(s, 0) })
}

// ListAck carries the responder's Component ID
type ListAck struct {
	ID uint32
}

func (*ListAck) Size() int { return ListAckSize }

func (p *ListAck) MarshalBinary() ([]byte, error) {
	return build(ListAckSize, func(b *cryptobyte.Builder) {
		b.AddUint8(IDSize)
		b.AddUint32(p.ID)
	})
}

func (p *ListAck) UnmarshalBinary(data []byte) error {
	return parse(data, ListAckSize, func(s *cryptobyte.String) error {
		if err := readLen(s, IDSize); err != nil {
			return err
		}
		if !s.ReadUint32(&p.ID) {
			return short()
		}
		return nil
	})
}

// Kex carries one side's ephemeral public key material and its SHA-256
type Kex struct {
	Material [MaterialSize]byte
	Hash     [HashSize]byte
}

func (*Kex) Size() int { return KexSize }

func (p *Kex) MarshalBinary() ([]byte, error) {
	return build(KexSize, func(b *cryptobyte.Builder) {
		b.AddUint8(MaterialSize)
		b.AddBytes(p.Material[:])
		b.AddBytes(p.Hash[:])
	})
}

func (p *Kex) UnmarshalBinary(data []byte) error {
	return parse(data, KexSize, func(s *cryptobyte.String) error {
		if err := readLen(s, MaterialSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Material[:]) || !s.CopyBytes(p.Hash[:]) {
			return short()
		}
		return nil
	})
}

// Validate carries the AP's authenticity challenge
type Validate struct {
	Challenge [ChallengeSize]byte
}

func (*Validate) Size() int { return ValidateSize }

func (p *Validate) MarshalBinary() ([]byte, error) {
	return build(ValidateSize, func(b *cryptobyte.Builder) {
		b.AddUint8(ChallengeSize)
		b.AddBytes(p.Challenge[:])
	})
}

func (p *Validate) UnmarshalBinary(data []byte) error {
	return parse(data, ValidateSize, func(s *cryptobyte.String) error {
		if err := readLen(s, ChallengeSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Challenge[:]) {
			return short()
		}
		return nil
	})
}

// ValidateAck returns the Component ID signed together with the challenge
type ValidateAck struct {
	ID        uint32
	Signature [SignatureSize]byte
}

func (*ValidateAck) Size() int { return ValidateAckSize }

func (p *ValidateAck) MarshalBinary() ([]byte, error) {
	return build(ValidateAckSize, func(b *cryptobyte.Builder) {
		b.AddUint8(IDSize)
		b.AddUint32(p.ID)
		b.AddBytes(p.Signature[:])
	})
}

func (p *ValidateAck) UnmarshalBinary(data []byte) error {
	return parse(data, ValidateAckSize, func(s *cryptobyte.String) error {
		if err := readLen(s, IDSize); err != nil {
			return err
		}
		if !s.ReadUint32(&p.ID) || !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// Boot is the AP's signed boot directive
type Boot struct {
	Data      [ChallengeSize]byte
	Signature [SignatureSize]byte
}

func (*Boot) Size() int { return BootSize }

func (p *Boot) MarshalBinary() ([]byte, error) {
	return build(BootSize, func(b *cryptobyte.Builder) {
		b.AddUint8(ChallengeSize)
		b.AddBytes(p.Data[:])
		b.AddBytes(p.Signature[:])
	})
}

func (p *Boot) UnmarshalBinary(data []byte) error {
	return parse(data, BootSize, func(s *cryptobyte.String) error {
		if err := readLen(s, ChallengeSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Data[:]) || !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// BootAck carries the Component's boot message and its acknowledgement signature
type BootAck struct {
	Len       uint8
	Message   [MessageSize]byte
	Signature [SignatureSize]byte
}

func (*BootAck) Size() int { return BootAckSize }

// Text returns the boot message up to its declared length
func (p *BootAck) Text() string {
	return string(p.Message[:p.Len])
}

func (p *BootAck) MarshalBinary() ([]byte, error) {
	if int(p.Len) > MessageSize {
		return nil, fmt.Errorf("%w: boot message length %d", ErrProtocol, p.Len)
	}
	return build(BootAckSize, func(b *cryptobyte.Builder) {
		b.AddUint8(p.Len)
		b.AddBytes(p.Message[:])
		b.AddBytes(p.Signature[:])
	})
}

func (p *BootAck) UnmarshalBinary(data []byte) error {
	return parse(data, BootAckSize, func(s *cryptobyte.String) error {
		if !s.ReadUint8(&p.Len) {
			return short()
		}
		if int(p.Len) > MessageSize {
			return fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocol, p.Len, MessageSize)
		}
		if !s.CopyBytes(p.Message[:]) || !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// Attest requests one attestation field; Position selects 1..3
type Attest struct {
	Tag       [AttestTagSize]byte
	Position  uint8
	Signature [SignatureSize]byte
}

func (*Attest) Size() int { return AttestSize }

// SignedBytes returns the command bytes covered by the AP signature
func (p *Attest) SignedBytes() []byte {
	out := make([]byte, 0, AttestTagSize+1)
	out = append(out, p.Tag[:]...)
	return append(out, p.Position)
}

func (p *Attest) MarshalBinary() ([]byte, error) {
	return build(AttestSize, func(b *cryptobyte.Builder) {
		b.AddUint8(AttestTagSize + 1)
		b.AddBytes(p.Tag[:])
		b.AddUint8(p.Position)
		b.AddBytes(p.Signature[:])
	})
}

func (p *Attest) UnmarshalBinary(data []byte) error {
	return parse(data, AttestSize, func(s *cryptobyte.String) error {
		if err := readLen(s, AttestTagSize+1); err != nil {
			return err
		}
		if !s.CopyBytes(p.Tag[:]) || !s.ReadUint8(&p.Position) || !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// AttestAck carries one encrypted attestation field and its signature
type AttestAck struct {
	Data      [FieldSize]byte
	Signature [SignatureSize]byte
}

func (*AttestAck) Size() int { return AttestAckSize }

func (p *AttestAck) MarshalBinary() ([]byte, error) {
	return build(AttestAckSize, func(b *cryptobyte.Builder) {
		b.AddUint8(FieldSize)
		b.AddBytes(p.Data[:])
		b.AddBytes(p.Signature[:])
	})
}

func (p *AttestAck) UnmarshalBinary(data []byte) error {
	return parse(data, AttestAckSize, func(s *cryptobyte.String) error {
		if err := readLen(s, FieldSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Data[:]) || !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// Replace carries the replacement proof challenge
type Replace struct {
	Challenge [ChallengeSize]byte
}

func (*Replace) Size() int { return ReplaceSize }

func (p *Replace) MarshalBinary() ([]byte, error) {
	return build(ReplaceSize, func(b *cryptobyte.Builder) {
		b.AddUint8(ChallengeSize)
		b.AddBytes(p.Challenge[:])
	})
}

func (p *Replace) UnmarshalBinary(data []byte) error {
	return parse(data, ReplaceSize, func(s *cryptobyte.String) error {
		if err := readLen(s, ChallengeSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Challenge[:]) {
			return short()
		}
		return nil
	})
}

// ReplaceAck carries the signature over the replacement challenge
type ReplaceAck struct {
	Signature [SignatureSize]byte
}

func (*ReplaceAck) Size() int { return ReplaceAckSize }

func (p *ReplaceAck) MarshalBinary() ([]byte, error) {
	return build(ReplaceAckSize, func(b *cryptobyte.Builder) {
		b.AddUint8(SignatureSize)
		b.AddBytes(p.Signature[:])
	})
}

func (p *ReplaceAck) UnmarshalBinary(data []byte) error {
	return parse(data, ReplaceAckSize, func(s *cryptobyte.String) error {
		if err := readLen(s, SignatureSize); err != nil {
			return err
		}
		if !s.CopyBytes(p.Signature[:]) {
			return short()
		}
		return nil
	})
}

// Secure carries one encrypted secure-channel record.
// The record layout is owned by the channel package.
type Secure struct {
	Record [RecordSize]byte
}

func (*Secure) Size() int { return SecureSize }

func (p *Secure) MarshalBinary() ([]byte, error) {
	out := make([]byte, RecordSize)
	copy(out, p.Record[:])
	return out, nil
}

func (p *Secure) UnmarshalBinary(data []byte) error {
	if len(data) != SecureSize {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrProtocol, len(data), SecureSize)
	}
	copy(p.Record[:], data)
	return nil
}

// BootAckTag prefixes the bytes a BOOT_ACK signature covers
var BootAckTag = []byte("bootack")

// ValidateSignedBytes returns challenge||id, the bytes a VALIDATE_ACK signs
func ValidateSignedBytes(challenge [ChallengeSize]byte, id uint32) []byte {
	out := make([]byte, 0, ChallengeSize+IDSize)
	out = append(out, challenge[:]...)
	return binary.BigEndian.AppendUint32(out, id)
}

// BootAckSignedBytes returns BootAckTag||data, the bytes a BOOT_ACK signs
func BootAckSignedBytes(data [ChallengeSize]byte) []byte {
	out := make([]byte, 0, len(BootAckTag)+ChallengeSize)
	out = append(out, BootAckTag...)
	return append(out, data[:]...)
}
