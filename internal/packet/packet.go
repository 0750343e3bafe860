// Package packet implements the fixed-size binary SOS packet exchanged over the radio mesh.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Header marks the start of every packet.
	Header uint16 = 0xFFFF

	// LegacySize is the size of a packet without the target extension.
	LegacySize = 21
	// ExtendedSize is the size of a packet carrying a target id.
	ExtendedSize = 25

	// MaxAge is the default lifetime of a packet measured from its own timestamp.
	MaxAge = 24 * time.Hour

	e7 = 1e7
)

var (
	// ErrTooShort is returned for inputs smaller than LegacySize.
	ErrTooShort = errors.New("packet too short")
	// ErrBadHeader is returned when the first two bytes are not 0xFFFF.
	ErrBadHeader = errors.New("bad packet header")
)

// Packet is a single "I need help / I am safe" signal.
type Packet struct {
	OriginatorID uint32  `json:"originator_id"`
	Sequence     uint16  `json:"sequence"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Status       Status  `json:"status"`
	Timestamp    uint32  `json:"timestamp"`
	TargetID     uint32  `json:"target_id,omitempty"`
}

// Key returns the identity key of the packet.
func (p Packet) Key() Key {
	return Key{OriginatorID: p.OriginatorID, Sequence: p.Sequence}
}

// Broadcast reports whether the packet is addressed to every node.
func (p Packet) Broadcast() bool {
	return p.TargetID == 0
}

// CreatedAt returns the originator's creation time.
func (p Packet) CreatedAt() time.Time {
	return time.Unix(int64(p.Timestamp), 0).UTC()
}

// Age returns how long ago the packet was created relative to now.
func (p Packet) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt())
}

// Expired reports whether the packet is older than maxAge.
func (p Packet) Expired(now time.Time, maxAge time.Duration) bool {
	return p.Age(now) > maxAge
}

// Key identifies one logical message across all of its hops.
type Key struct {
	OriginatorID uint32 `json:"originator_id"`
	Sequence     uint16 `json:"sequence"`
}

// String renders the key in the form stored in the database, e.g. "12345678:43981".
func (k Key) String() string {
	return fmt.Sprintf("%08x:%d", k.OriginatorID, k.Sequence)
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	origin, seq, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Key{}, fmt.Errorf("parse key %q: missing separator", s)
	}
	id, err := strconv.ParseUint(origin, 16, 32)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: originator: %w", s, err)
	}
	n, err := strconv.ParseUint(seq, 10, 16)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: sequence: %w", s, err)
	}
	return Key{OriginatorID: uint32(id), Sequence: uint16(n)}, nil
}

// EncodeE7 scales degrees by 10^7 and rounds to the nearest integer.
func EncodeE7(deg float64) int32 {
	return int32(math.Round(deg * e7))
}

// DecodeE7 converts a scaled coordinate back to degrees.
func DecodeE7(v int32) float64 {
	return float64(v) / e7
}

// Encode serialises p. The 4-byte target extension is only appended when
// TargetID is non-zero so legacy peers keep receiving 21-byte frames.
func Encode(p Packet) []byte {
	if p.TargetID == 0 {
		return encode(p, LegacySize)
	}
	return encode(p, ExtendedSize)
}

// EncodeExtended always emits the 25-byte form.
func EncodeExtended(p Packet) []byte {
	return encode(p, ExtendedSize)
}

func encode(p Packet, size int) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], Header)
	binary.BigEndian.PutUint32(buf[2:6], p.OriginatorID)
	binary.BigEndian.PutUint16(buf[6:8], p.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], uint32(EncodeE7(p.Latitude)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(EncodeE7(p.Longitude)))
	buf[16] = byte(p.Status)
	binary.BigEndian.PutUint32(buf[17:21], p.Timestamp)
	if size >= ExtendedSize {
		binary.BigEndian.PutUint32(buf[21:25], p.TargetID)
	}
	return buf
}

// Decode parses a radio frame. Exactly 21 bytes decode with TargetID 0;
// trailing bytes past the extension are ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) < LegacySize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if h := binary.BigEndian.Uint16(b[0:2]); h != Header {
		return Packet{}, fmt.Errorf("%w: 0x%04x", ErrBadHeader, h)
	}

	p := Packet{
		OriginatorID: binary.BigEndian.Uint32(b[2:6]),
		Sequence:     binary.BigEndian.Uint16(b[6:8]),
		Latitude:     DecodeE7(int32(binary.BigEndian.Uint32(b[8:12]))),
		Longitude:    DecodeE7(int32(binary.BigEndian.Uint32(b[12:16]))),
		Status:       ParseStatus(b[16]),
		Timestamp:    binary.BigEndian.Uint32(b[17:21]),
	}
	if len(b) >= ExtendedSize {
		p.TargetID = binary.BigEndian.Uint32(b[21:25])
	}
	return p, nil
}
