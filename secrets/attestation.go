package secrets

import (
	"bytes"
	"fmt"
)

const (
	// FieldSize is the size of one attestation field, NUL padded
	FieldSize = 64

	// FieldCount is the number of attestation fields (location, date, customer)
	FieldCount = 3
)

// AttestationIV is the fixed CTR nonce of the attestation stream
var AttestationIV = []byte("BOOTGRD-ATTEST\x00\x00")

// Attestation is the plaintext a Component is provisioned with
type Attestation struct {
	Location string
	Date     string
	Customer string
}

// SealedAttestation holds the encrypted fields a Component releases.
// The fields are consecutive slices of one AES-CTR stream.
type SealedAttestation struct {
	Fields [FieldCount][FieldSize]byte `cbor:"fields"`
}

// Field returns the field at position pos (1..3)
func (s *SealedAttestation) Field(pos uint8) ([FieldSize]byte, bool) {
	if pos < 1 || pos > FieldCount {
		return [FieldSize]byte{}, false
	}
	return s.Fields[pos-1], true
}

// SealAttestation encrypts the three fields under the unwrap key
func SealAttestation(unwrapKey []byte, a Attestation) (*SealedAttestation, error) {
	plain := make([]byte, 0, FieldCount*FieldSize)
	for _, v := range []string{a.Location, a.Date, a.Customer} {
		if len(v) >= FieldSize {
			return nil, fmt.Errorf("%w: attestation field longer than %d bytes", ErrMalformed, FieldSize-1)
		}
		field := make([]byte, FieldSize)
		copy(field, v)
		plain = append(plain, field...)
	}

	enc, err := ctr(unwrapKey, AttestationIV, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to seal attestation: %w", err)
	}
	var s SealedAttestation
	for i := range s.Fields {
		copy(s.Fields[i][:], enc[i*FieldSize:])
	}
	return &s, nil
}

// OpenAttestation decrypts all three fields; each is read as a NUL
// terminated string
func OpenAttestation(unwrapKey []byte, fields [FieldCount][FieldSize]byte) (Attestation, error) {
	enc := make([]byte, 0, FieldCount*FieldSize)
	for _, f := range fields {
		enc = append(enc, f[:]...)
	}
	plain, err := ctr(unwrapKey, AttestationIV, enc)
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to open attestation: %w", err)
	}
	return Attestation{
		Location: cstring(plain[0:FieldSize]),
		Date:     cstring(plain[FieldSize : 2*FieldSize]),
		Customer: cstring(plain[2*FieldSize:]),
	}, nil
}

// LoadSealed reads a sealed attestation file
func LoadSealed(path string) (*SealedAttestation, error) {
	var s SealedAttestation
	if err := Load(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
