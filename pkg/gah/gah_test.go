package gah

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	g := GAH{Revision: 0x0102030405060708, Root: 3, Base: 7, Version: Version, Slot: 0xA0B0C0D0}.Seal()

	b := g.Bytes()
	require.Len(t, b, Size)
	assert.Equal(t, byte(0x08), b[0], "revision is little endian")
	assert.Equal(t, byte(3), b[8])
	assert.Equal(t, byte(7), b[9])
	assert.Equal(t, Version, b[10])
	assert.Equal(t, byte(0xD0), b[11], "slot is little endian")
	assert.Equal(t, g.CRC, b[15])

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)

	_, err = Decode(b[:Size-1])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestBinaryMarshaler(t *testing.T) {
	g := GAH{Revision: 9, Root: 1, Version: Version, Slot: 4}.Seal()

	data, err := g.MarshalBinary()
	require.NoError(t, err)

	var out GAH
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, g, out)

	assert.Error(t, out.UnmarshalBinary(data[:3]))
}

func TestChecksumCoversFirstFifteenBytes(t *testing.T) {
	g := GAH{Revision: 1, Version: Version}.Seal()

	b := g.Bytes()
	assert.Equal(t, crc8(b[:Size-1]), g.CRC)

	// the crc byte itself does not feed the checksum
	g2 := g
	g2.CRC ^= 0xFF
	assert.Equal(t, g.Checksum(), g2.Checksum())
}

func TestCRC8KnownValues(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint8
	}{
		{"empty", nil, 0x00},
		{"zero byte", []byte{0x00}, 0x00},
		{"low bit", []byte{0x01}, 0x87},
		{"top bit", []byte{0x80}, 0xF3},
		{"all ones", []byte{0xFF}, 0x8E},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, crc8(tt.in))
		})
	}
}

func TestCheckCRCDetectsEveryByteCorruption(t *testing.T) {
	g := GAH{Revision: 42, Root: 2, Base: 5, Version: Version, Slot: 17}.Seal()
	require.NoError(t, g.CheckCRC())

	for i := 0; i < Size; i++ {
		b := g.Bytes()
		b[i] ^= 0x01
		corrupt, err := Decode(b)
		require.NoError(t, err)
		assert.ErrorIs(t, corrupt.CheckCRC(), ErrIntegrityMismatch, "byte %d", i)
	}
}

func TestCheckVersion(t *testing.T) {
	g := GAH{Version: Version}.Seal()
	assert.NoError(t, g.CheckVersion())

	g.Version = Version + 1
	assert.ErrorIs(t, g.CheckVersion(), ErrVersionMismatch)
}

func TestIsSelfRootAndString(t *testing.T) {
	g := GAH{Revision: 3, Root: 2, Slot: 11, Version: Version}.Seal()

	assert.True(t, g.IsSelfRoot(2))
	assert.False(t, g.IsSelfRoot(1))
	assert.Equal(t, "2.11.3", g.String())
	assert.Contains(t, g.Dump(), "CRC match? match")

	g.CRC++
	assert.Contains(t, g.Dump(), "CRC match? mismatch")
	assert.False(t, g.IsZero())
	assert.True(t, GAH{}.IsZero())
}
