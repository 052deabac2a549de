// Package envelope defines the single-buffer unit that travels through the
// frame ring: either a fixed 32-byte frame header followed by an opaque
// payload, or a UTF-8 JSON event object distinguished by its first
// non-whitespace byte being '{'.
package envelope

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// HeaderSize is the fixed byte length of a frame header on the wire.
const HeaderSize = 32

// HWType identifies the surface a frame payload lives on. Only CPU frames
// are deliverable to every sink; GPU surfaces carry an opaque handle whose
// validity is scoped to a single dispatcher pass.
type HWType uint32

// Known surface kinds.
const (
	HWCPU HWType = iota
	HWCUDA
	HWVAAPI
	HWVTB
	HWDXVA
)

// Frame header flag bits. Bits 1..31 are reserved.
const FlagKeyframe uint32 = 1 << 0

// Header is the fixed-layout record prefixed to every frame payload.
// Encoded little-endian in exactly HeaderSize bytes.
type Header struct {
	StreamID uint32
	HWType   HWType
	Handle   uint64
	Bytes    uint32
	Flags    uint32
	PTSUsec  int64
}

// Keyframe reports whether the keyframe flag bit is set.
func (h Header) Keyframe() bool {
	return h.Flags&FlagKeyframe != 0
}

// Kind classifies a decoded unit.
type Kind int

// Unit classifications returned by Decode.
const (
	KindMalformed Kind = iota
	KindFrame
	KindEvent
)

// ErrMalformed is returned by Decode for units that are neither a
// well-formed frame nor a JSON event. Malformed units are counted and
// dropped by the dispatcher; they never reach a sink.
var ErrMalformed = errors.New("envelope: malformed unit")

// Encode serializes hdr followed by payload into a single buffer of exact
// length HeaderSize+len(payload). The Bytes field is taken from the payload
// length, not from hdr.
func Encode(hdr Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	hdr.Bytes = uint32(len(payload))
	PutHeader(buf, hdr)
	copy(buf[HeaderSize:], payload)
	return buf
}

// PutHeader writes hdr into the first HeaderSize bytes of buf, which must
// be at least HeaderSize long. It performs no allocation.
func PutHeader(buf []byte, hdr Header) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], hdr.StreamID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(hdr.HWType))
	binary.LittleEndian.PutUint64(buf[8:16], hdr.Handle)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.Bytes)
	binary.LittleEndian.PutUint32(buf[20:24], hdr.Flags)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(hdr.PTSUsec))
}

// ParseHeader reads a Header from the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	return Header{
		StreamID: binary.LittleEndian.Uint32(buf[0:4]),
		HWType:   HWType(binary.LittleEndian.Uint32(buf[4:8])),
		Handle:   binary.LittleEndian.Uint64(buf[8:16]),
		Bytes:    binary.LittleEndian.Uint32(buf[16:20]),
		Flags:    binary.LittleEndian.Uint32(buf[20:24]),
		PTSUsec:  int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

// Unit is the result of decoding a buffer popped from the ring.
type Unit struct {
	Kind    Kind
	Header  Header // valid when Kind == KindFrame
	Payload []byte // frame payload, aliasing the input buffer
	Raw     []byte // the whole input buffer
}

// Decode classifies buf in O(1): an event if its first non-whitespace byte
// is '{' and the buffer is valid UTF-8, a frame if it is at least HeaderSize
// long and its length equals HeaderSize plus the header's payload length.
// Anything else is malformed.
func Decode(buf []byte) (Unit, error) {
	if isEvent(buf) {
		return Unit{Kind: KindEvent, Raw: buf}, nil
	}
	if len(buf) < HeaderSize {
		return Unit{Kind: KindMalformed, Raw: buf}, ErrMalformed
	}
	hdr := ParseHeader(buf)
	if len(buf) != HeaderSize+int(hdr.Bytes) {
		return Unit{Kind: KindMalformed, Raw: buf}, ErrMalformed
	}
	return Unit{
		Kind:    KindFrame,
		Header:  hdr,
		Payload: buf[HeaderSize:],
		Raw:     buf,
	}, nil
}

// isEvent reports whether buf holds a JSON event: valid UTF-8 whose first
// non-whitespace byte is '{'.
func isEvent(buf []byte) bool {
	for i, b := range buf {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return utf8.Valid(buf[i:])
		default:
			return false
		}
	}
	return false
}
