package usbtmc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsWrapWithoutZero(t *testing.T) {
	g := newBTagGen()
	seen := map[byte]bool{}
	for i := 0; i < 600; i++ {
		tag := g.nextbTag()
		assert.NotZero(t, tag)
		seen[tag] = true
	}
	assert.Len(t, seen, 255)
}

func TestInvTag(t *testing.T) {
	assert.Equal(t, byte(0xfe), invbTag(0x01))
	assert.Equal(t, byte(0x00), invbTag(0xff))
}

func TestBulkOutHeader(t *testing.T) {
	hdr := encBulkOutHeader(5, 0x0102)
	assert.Equal(t, [12]byte{0x01, 5, 0xfa, 0, 0x02, 0x01, 0, 0, 0x01, 0, 0, 0}, hdr)
}

func TestBulkInHeaderWithTerminator(t *testing.T) {
	term := byte('\n')
	hdr := encBulkInHeader(7, 256, &term)
	assert.Equal(t, [12]byte{0x02, 7, 0xf8, 0, 0x00, 0x01, 0, 0, 0x02, '\n', 0, 0}, hdr)

	hdr = encBulkInHeader(7, 256, nil)
	assert.Equal(t, byte(0), hdr[8])
	assert.Equal(t, byte(0), hdr[9])
}

func TestDecodeBulkInHeader(t *testing.T) {
	resp := []byte{0x02, 9, 0xf6, 0, 5, 0, 0, 0, 0x01, 0, 0, 0, '+', '1', '.', '0', '\n', 0, 0, 0}
	size, eom, err := decBulkInHeader(resp, 9)
	require.NoError(t, err)
	assert.Equal(t, 5, size)
	assert.True(t, eom)

	_, _, err = decBulkInHeader(resp, 10)
	assert.Error(t, err)

	_, _, err = decBulkInHeader(resp[:8], 9)
	assert.Error(t, err)
}

func TestPadAlignsToFour(t *testing.T) {
	for n, want := range map[int]int{12: 12, 13: 16, 15: 16, 16: 16, 17: 20} {
		assert.Len(t, pad(make([]byte, n)), want, "length %d", n)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"USB0::0x0957::0x0909::MY46412345::INSTR", Address{0x0957, 0x0909, "MY46412345"}},
		{"USB0::0x0699::0x0401::INSTR", Address{0x0699, 0x0401, ""}},
		{"usb::2391::2313", Address{2391, 2313, ""}},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseAddressRejects(t *testing.T) {
	for _, in := range []string{"ASRL3::INSTR", "USB0::zz::0x1::INSTR", "USB0"} {
		_, err := ParseAddress(in)
		assert.True(t, errors.Is(err, ErrBadAddress), in)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address{VID: 0x0957, PID: 0x0909, Serial: "MY1"}
	assert.Equal(t, "USB0::0x0957::0x0909::MY1::INSTR", a.String())
	b, err := ParseAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
