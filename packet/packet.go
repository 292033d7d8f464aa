// Package packet implements the fixed-layout wire frames exchanged between the
// Application Processor and its Components.
//
// Every frame is laid out as [magic:1][checksum:4][payload:N] and padded to
// FrameSize on the bus. The checksum is CRC-32 (IEEE, reflected 0xEDB88320)
// computed over exactly the N payload bytes of the expected kind.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Magic identifies the packet kind
type Magic byte

const (
	MagicError        Magic = 0x00
	MagicKexRequest   Magic = 0x4A
	MagicKexResponse  Magic = 0x4B
	MagicList         Magic = 0x4C
	MagicListAck      Magic = 0x4D
	MagicReplace      Magic = 0x52
	MagicReplaceAck   Magic = 0x53
	MagicValidate     Magic = 0x56
	MagicValidateAck  Magic = 0x57
	MagicAttest       Magic = 0xAA
	MagicBoot         Magic = 0xBB
	MagicEncrypted    Magic = 0xEE
	MagicEncryptedReq Magic = 0xEF
	MagicAttestAck    Magic = 0xFA
	MagicBootAck      Magic = 0xFB
)

var magicNames = map[Magic]string{
	MagicError:        "ERROR",
	MagicKexRequest:   "KEX_REQUEST",
	MagicKexResponse:  "KEX_RESPONSE",
	MagicList:         "LIST_COMMAND",
	MagicListAck:      "LIST_ACK",
	MagicReplace:      "REPLACE",
	MagicReplaceAck:   "REPLACE_ACK",
	MagicValidate:     "VALIDATE_COMMAND",
	MagicValidateAck:  "VALIDATE_ACK",
	MagicAttest:       "ATTEST_COMMAND",
	MagicBoot:         "BOOT_COMMAND",
	MagicEncrypted:    "SECURE",
	MagicEncryptedReq: "SECURE_REQ",
	MagicAttestAck:    "ATTEST_ACK",
	MagicBootAck:      "BOOT_ACK",
}

func (m Magic) String() string {
	if name, ok := magicNames[m]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(m))
}

// Frame geometry
const (
	HeaderSize     = 5
	MaxPayloadSize = SecureSize
	FrameSize      = HeaderSize + MaxPayloadSize
)

var (
	// ErrChecksum means the payload does not match the header checksum
	ErrChecksum = errors.New("packet: checksum mismatch")

	// ErrProtocol covers unexpected magic, kind, size or declared length
	ErrProtocol = errors.New("packet: protocol error")
)

// Payload is a kind-specific fixed-size structure carried in a frame
type Payload interface {
	Size() int
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Frame is a decoded header plus the raw payload area
type Frame struct {
	Magic    Magic
	Checksum uint32
	Payload  []byte
}

// Checksum computes the CRC-32 of a payload.
// The state is reset for every frame; see DESIGN.md for why the rolling
// variant is not used.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Seal serializes p and wraps it in a frame tagged with magic
func Seal(magic Magic, p Payload) (Frame, error) {
	body, err := p.MarshalBinary()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", magic, err)
	}
	if len(body) != p.Size() {
		return Frame{}, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrProtocol, magic, len(body), p.Size())
	}
	return Frame{
		Magic:    magic,
		Checksum: Checksum(body),
		Payload:  body,
	}, nil
}

// ErrorFrame returns the dedicated ERROR frame with a zeroed payload
func ErrorFrame() Frame {
	return Frame{Magic: MagicError}
}

// IsError reports whether the frame carries the ERROR tag
func (f Frame) IsError() bool {
	return f.Magic == MagicError
}

// Bytes renders the frame into a FrameSize buffer, zero padded
func (f Frame) Bytes() []byte {
	buf := make([]byte, FrameSize)
	buf[0] = byte(f.Magic)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], f.Checksum)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Parse splits a received buffer into header and payload area.
// The payload is not interpreted until Open is called with the expected kind.
func Parse(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame is %d bytes, shorter than header", ErrProtocol, len(buf))
	}
	if len(buf) > FrameSize {
		return Frame{}, fmt.Errorf("%w: frame is %d bytes, longer than %d", ErrProtocol, len(buf), FrameSize)
	}
	payload := make([]byte, len(buf)-HeaderSize)
	copy(payload, buf[HeaderSize:])
	return Frame{
		Magic:    Magic(buf[0]),
		Checksum: binary.BigEndian.Uint32(buf[1:HeaderSize]),
		Payload:  payload,
	}, nil
}

// Open validates the frame against the expected kind and decodes it into p.
// A frame of another kind, a short payload area or a checksum mismatch is
// always an error; the payload is never interpreted in that case.
func (f Frame) Open(want Magic, p Payload) error {
	if f.Magic != want {
		return fmt.Errorf("%w: got %s, want %s", ErrProtocol, f.Magic, want)
	}
	n := p.Size()
	if len(f.Payload) < n {
		return fmt.Errorf("%w: %s payload area is %d bytes, want %d", ErrProtocol, want, len(f.Payload), n)
	}
	body := f.Payload[:n]
	if Checksum(body) != f.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksum, want)
	}
	return p.UnmarshalBinary(body)
}
