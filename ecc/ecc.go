// Package ecc wraps the secp256k1 operations the pairing protocol relies on:
// ephemeral key generation, ECDH, and 65-byte compact ECDSA signatures.
package ecc

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// PrivateKeySize is the length of a serialized private scalar
	PrivateKeySize = 32

	// PublicKeySize is the length of a SEC1 compressed public key
	PublicKeySize = 33

	// MaterialSize is the length of an uncompressed point without its SEC1 prefix
	MaterialSize = 64

	// SignatureSize is the length of a compact recoverable signature
	SignatureSize = 65

	// SharedSecretSize is the length of the ECDH output (X coordinate)
	SharedSecretSize = 32
)

type (
	PrivateKey = secp256k1.PrivateKey
	PublicKey  = secp256k1.PublicKey
)

var (
	// ErrVerify means a signature did not verify against the expected key
	ErrVerify = errors.New("ecc: signature verification failed")

	// ErrInvalidPoint means received key material is not a point on the curve
	ErrInvalidPoint = errors.New("ecc: invalid curve point")

	// ErrInvalidKey means a private key is malformed
	ErrInvalidKey = errors.New("ecc: invalid private key")
)

// GenerateKey draws a private scalar from r, retrying on the (negligible)
// chance of a zero or out-of-range value
func GenerateKey(r io.Reader) (*PrivateKey, error) {
	buf := make([]byte, PrivateKeySize)
	defer zeroBytes(buf)

	for i := 0; i < 8; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read key randomness: %w", err)
		}
		var k secp256k1.ModNScalar
		if overflow := k.SetByteSlice(buf); overflow || k.IsZero() {
			continue
		}
		return secp256k1.NewPrivateKey(&k), nil
	}
	return nil, fmt.Errorf("%w: random source produced no usable scalar", ErrInvalidKey)
}

// ParsePrivateKey decodes a 32-byte big-endian scalar
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(b))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(b); overflow || k.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}
	return secp256k1.NewPrivateKey(&k), nil
}

// ParsePublicKey decodes a SEC1 compressed or uncompressed public key
func ParsePublicKey(b []byte) (*PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return pub, nil
}

// Material returns the X||Y encoding carried in KEX packets
func Material(pub *PublicKey) [MaterialSize]byte {
	var out [MaterialSize]byte
	copy(out[:], pub.SerializeUncompressed()[1:])
	return out
}

// ParseMaterial decodes X||Y and checks the point lies on the curve
func ParseMaterial(m []byte) (*PublicKey, error) {
	if len(m) != MaterialSize {
		return nil, fmt.Errorf("%w: material is %d bytes", ErrInvalidPoint, len(m))
	}
	sec1 := make([]byte, 0, MaterialSize+1)
	sec1 = append(sec1, 0x04)
	sec1 = append(sec1, m...)
	return ParsePublicKey(sec1)
}

// Sign produces a compact signature over SHA-256(msg)
func Sign(priv *PrivateKey, msg []byte) [SignatureSize]byte {
	digest := sha256.Sum256(msg)
	var out [SignatureSize]byte
	copy(out[:], ecdsa.SignCompact(priv, digest[:], false))
	return out
}

// Verify checks a compact signature over SHA-256(msg) against pub
func Verify(pub *PublicKey, msg []byte, sig [SignatureSize]byte) error {
	digest := sha256.Sum256(msg)
	recovered, _, err := ecdsa.RecoverCompact(sig[:], digest[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerify, err)
	}
	if !recovered.IsEqual(pub) {
		return ErrVerify
	}
	return nil
}

// SharedSecret computes the ECDH shared secret (X coordinate)
func SharedSecret(priv *PrivateKey, pub *PublicKey) []byte {
	return secp256k1.GenerateSharedSecret(priv, pub)
}

// Zero clears a private key from memory
func Zero(priv *PrivateKey) {
	if priv != nil {
		priv.Zero()
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
