// Package gah implements global access handles: 128-bit capability tokens that name
// state held on an I/O node, and the slot store that allocates and validates them.
//
// A token is self-validating. Any holder can check its integrity code and version
// locally; only the store that minted it can tell whether it is still live.
package gah

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded size of a token in bytes.
const Size = 16

// Version is the token format version minted by this build.
const Version uint8 = 1

// crcPoly is the CRC-8-CCITT polynomial.
const crcPoly uint8 = 0x07

var (
	// ErrIntegrityMismatch means the integrity code does not match the token fields.
	ErrIntegrityMismatch = errors.New("gah: integrity code mismatch")
	// ErrVersionMismatch means the token was minted by an incompatible build.
	ErrVersionMismatch = errors.New("gah: version mismatch")
	// ErrOutOfRange means the slot id is beyond the store capacity.
	ErrOutOfRange = errors.New("gah: slot out of range")
	// ErrExpired means the slot was released or reused since the token was minted.
	ErrExpired = errors.New("gah: expired")
	// ErrShortBuffer is returned when decoding fewer than Size bytes.
	ErrShortBuffer = errors.New("gah: short buffer")
)

// GAH is a global access handle.
//
// Wire layout (little endian): revision u64 | root u8 | base u8 | version u8 |
// slot u32 | crc u8. The crc covers the first 15 bytes.
type GAH struct {
	Revision uint64
	Root     uint8
	Base     uint8
	Version  uint8
	Slot     uint32
	CRC      uint8
}

// Encode writes the token into b, which must hold at least Size bytes.
func (g GAH) Encode(b []byte) {
	_ = b[Size-1]
	binary.LittleEndian.PutUint64(b[0:8], g.Revision)
	b[8] = g.Root
	b[9] = g.Base
	b[10] = g.Version
	binary.LittleEndian.PutUint32(b[11:15], g.Slot)
	b[15] = g.CRC
}

// Bytes returns the 16 byte wire form.
func (g GAH) Bytes() []byte {
	b := make([]byte, Size)
	g.Encode(b)
	return b
}

// Decode parses the wire form.
func Decode(b []byte) (GAH, error) {
	if len(b) < Size {
		return GAH{}, ErrShortBuffer
	}
	return GAH{
		Revision: binary.LittleEndian.Uint64(b[0:8]),
		Root:     b[8],
		Base:     b[9],
		Version:  b[10],
		Slot:     binary.LittleEndian.Uint32(b[11:15]),
		CRC:      b[15],
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler. The CBOR codec uses it to
// carry tokens as 16 byte strings.
func (g GAH) MarshalBinary() ([]byte, error) {
	return g.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (g *GAH) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("gah: invalid length %d", len(data))
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*g = decoded
	return nil
}

// IsZero reports whether g is the zero token.
func (g GAH) IsZero() bool {
	return g == GAH{}
}

// Checksum computes the integrity code over every field except CRC.
func (g GAH) Checksum() uint8 {
	var b [Size]byte
	g.Encode(b[:])
	return crc8(b[:Size-1])
}

// Seal returns g with its integrity code recomputed.
func (g GAH) Seal() GAH {
	g.CRC = g.Checksum()
	return g
}

// CheckCRC verifies the integrity code.
func (g GAH) CheckCRC() error {
	if g.Checksum() != g.CRC {
		return ErrIntegrityMismatch
	}
	return nil
}

// CheckVersion verifies the format version.
func (g GAH) CheckVersion() error {
	if g.Version != Version {
		return ErrVersionMismatch
	}
	return nil
}

// IsSelfRoot reports whether the token was minted by the node with the given rank.
func (g GAH) IsSelfRoot(rank uint8) bool {
	return g.Root == rank
}

// String is the compact form used in logs: root.slot.revision.
func (g GAH) String() string {
	return fmt.Sprintf("%d.%d.%d", g.Root, g.Slot, g.Revision)
}

// Dump returns every field plus whether the integrity code matches.
func (g GAH) Dump() string {
	match := "match"
	if g.CheckCRC() != nil {
		match = "mismatch"
	}
	return fmt.Sprintf("revision: %d\nroot: %d\nbase: %d\nversion: %d\nslot: %d\ncrc: %d\nCRC match? %s\n",
		g.Revision, g.Root, g.Base, g.Version, g.Slot, g.CRC, match)
}

// crc8 is the integrity code. When the top bit is set the register is xored with
// its own shifted value and the polynomial; tokens minted by other nodes use the
// same rule, so it must not be "fixed" into the textbook form.
func crc8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc ^= (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
