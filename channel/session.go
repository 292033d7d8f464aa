// Package channel implements the post-boot secure channel: per-peer session
// key material and the encrypted, HMAC-protected record exchanged inside
// SECURE packets.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mesmerverse/bootguard/packet"
)

// Record layout (plaintext), all offsets in bytes
const (
	offTag   = 0
	offLen   = 1
	offNonce = 2
	offData  = 6
	offHMAC  = offData + DataSize

	// DataSize is the fixed data capacity of a record
	DataSize = 256

	// MaxMessage is the largest message a record can carry (1-byte length)
	MaxMessage = 255

	// HMACSize is the length of the trailing HMAC-SHA256
	HMACSize = sha256.Size

	// RecordSize is the full record length
	RecordSize = offHMAC + HMACSize

	// TagDecrypted marks a correctly decrypted record
	TagDecrypted = 0xDE

	// KeySize is the derived AES-256 session key length
	KeySize = sha256.Size

	blocksPerRecord = (RecordSize + aes.BlockSize - 1) / aes.BlockSize
)

// Compile-time check that the record fits the SECURE payload exactly
var _ [packet.RecordSize - RecordSize]struct{}
var _ [RecordSize - packet.RecordSize]struct{}

// ivPrefix is the fixed half of the counter block seed
var ivPrefix = [8]byte{'B', 'O', 'O', 'T', 'G', 'R', 'D', 0x00}

var (
	// ErrNonce means the record was not sealed for the expected exchange
	ErrNonce = errors.New("channel: nonce mismatch")

	// ErrHMAC means the record integrity check failed
	ErrHMAC = errors.New("channel: hmac mismatch")

	// ErrTooLong means a message exceeds MaxMessage
	ErrTooLong = errors.New("channel: message too long")

	// ErrClosed means the session was destroyed
	ErrClosed = errors.New("channel: session closed")
)

// Session is the key material shared with one peer after a successful KEX.
// It is created at KEX completion and destroyed at the end or failure of a
// boot attempt.
type Session struct {
	ID           string
	Peer         uint32
	SharedSecret []byte
	Key          [KeySize]byte
	Nonce        uint32

	seed    [aes.BlockSize]byte
	block   cipher.Block
	hmacKey []byte
}

// NewSession derives the session key as SHA-256(shared) and seeds the
// AES-CTR counter block from a fixed prefix and the key's upper bytes
func NewSession(peer uint32, shared, hmacKey []byte) (*Session, error) {
	if len(shared) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}
	if len(hmacKey) == 0 {
		return nil, fmt.Errorf("empty hmac key")
	}

	s := &Session{
		ID:           uuid.NewString(),
		Peer:         peer,
		SharedSecret: append([]byte(nil), shared...),
		Key:          sha256.Sum256(shared),
		hmacKey:      append([]byte(nil), hmacKey...),
	}
	copy(s.seed[:8], ivPrefix[:])
	copy(s.seed[8:], s.Key[KeySize-8:])

	block, err := aes.NewCipher(s.Key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create session cipher: %w", err)
	}
	s.block = block
	return s, nil
}

// Seal builds, authenticates and encrypts a record carrying data at the
// current nonce. The nonce is not advanced.
func (s *Session) Seal(data []byte) ([RecordSize]byte, error) {
	var rec [RecordSize]byte
	if s.block == nil {
		return rec, ErrClosed
	}
	if len(data) > MaxMessage {
		return rec, fmt.Errorf("%w: %d bytes", ErrTooLong, len(data))
	}

	rec[offTag] = TagDecrypted
	rec[offLen] = byte(len(data))
	binary.BigEndian.PutUint32(rec[offNonce:offData], s.Nonce)
	copy(rec[offData:offHMAC], data)
	copy(rec[offHMAC:], s.mac(rec[:offHMAC]))

	s.stream(s.Nonce).XORKeyStream(rec[:], rec[:])
	return rec, nil
}

// Open decrypts a record at the expected nonce and validates tag, nonce and
// HMAC. The nonce is not advanced; callers advance only after a fully
// validated round trip.
func (s *Session) Open(enc [RecordSize]byte) ([]byte, error) {
	if s.block == nil {
		return nil, ErrClosed
	}

	var rec [RecordSize]byte
	s.stream(s.Nonce).XORKeyStream(rec[:], enc[:])
	defer zeroBytes(rec[:])

	// The keystream position is bound to the nonce, so a record sealed for
	// another exchange does not decrypt to a valid tag here.
	if rec[offTag] != TagDecrypted {
		return nil, fmt.Errorf("%w: record not sealed for nonce %d", ErrNonce, s.Nonce)
	}
	if got := binary.BigEndian.Uint32(rec[offNonce:offData]); got != s.Nonce {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNonce, got, s.Nonce)
	}
	if subtle.ConstantTimeCompare(rec[offHMAC:], s.mac(rec[:offHMAC])) != 1 {
		return nil, ErrHMAC
	}

	n := int(rec[offLen])
	if n > DataSize {
		n = DataSize
	}
	out := make([]byte, n)
	copy(out, rec[offData:offData+n])
	return out, nil
}

// Advance moves the session to the next exchange
func (s *Session) Advance() {
	s.Nonce++
}

// Destroy zeroes the session key material
func (s *Session) Destroy() {
	zeroBytes(s.SharedSecret)
	zeroBytes(s.Key[:])
	zeroBytes(s.seed[:])
	zeroBytes(s.hmacKey)
	s.block = nil
}

func (s *Session) mac(b []byte) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(b)
	return h.Sum(nil)
}

// stream returns the AES-CTR keystream positioned at the record for nonce n
func (s *Session) stream(n uint32) cipher.Stream {
	ctr := s.seed
	addCounter(&ctr, uint64(n)*blocksPerRecord)
	return cipher.NewCTR(s.block, ctr[:])
}

// addCounter adds v to a big-endian 128-bit counter block
func addCounter(ctr *[aes.BlockSize]byte, v uint64) {
	lo := binary.BigEndian.Uint64(ctr[8:])
	hi := binary.BigEndian.Uint64(ctr[:8])
	sum := lo + v
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(ctr[8:], sum)
	binary.BigEndian.PutUint64(ctr[:8], hi)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
