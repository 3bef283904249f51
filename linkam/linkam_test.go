package linkam_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/comm/commtest"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/linkam"
)

var cr = comm.Terminators{Tx: '\r', Rx: '\r'}

func statusResp(sb byte, hex string) string {
	return string([]byte{sb, 0x80, 0x00, 0x00, 0x00, 0x00}) + hex
}

func newHotstage(t *testing.T, h commtest.Handler) (*linkam.Hotstage, *commtest.Recorder) {
	t.Helper()
	opts, rec := commtest.Options(cr, h)
	hs := linkam.New("fake", false, opts...)
	require.NoError(t, hs.Open())
	t.Cleanup(func() { hs.Close() })
	return hs, rec
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		resp   string
		temp   float64
		status instrument.MotionStatus
	}{
		{statusResp(0x01, "00FA"), 25.0, instrument.Stopped},
		{statusResp(0x10, "0FA0"), 400.0, instrument.Heating},
		{statusResp(0x21, "01F4"), 50.0, instrument.Cooling},
		{statusResp(0x30, "FF9C"), -10.0, instrument.Holding},
		{statusResp(0x42, "0000"), 0, instrument.Unknown},
	}
	for _, tt := range tests {
		T, st, err := linkam.ParseStatus([]byte(tt.resp))
		require.NoError(t, err)
		assert.Equal(t, tt.temp, T)
		assert.Equal(t, tt.status, st)
	}
}

func TestParseStatusMalformed(t *testing.T) {
	for _, resp := range []string{"", "\x01\x80", statusResp(0x01, "ZZZZ")} {
		_, _, err := linkam.ParseStatus([]byte(resp))
		assert.True(t, errors.Is(err, instrument.ErrMalformedResponse), "%q", resp)
	}
}

func TestFirstRampStartsController(t *testing.T) {
	hs, rec := newHotstage(t, func(cmd string) (string, bool) { return "", true })
	require.NoError(t, hs.SetRamp(25.3, 20))
	assert.Equal(t, []string{"R12000", "L1253", "S"}, rec.Commands())

	rec.Reset()
	require.NoError(t, hs.SetRamp(50, 5.5))
	assert.Equal(t, []string{"R1550", "L1500"}, rec.Commands())

	rec.Reset()
	require.NoError(t, hs.Stop())
	require.NoError(t, hs.SetRamp(30, 10))
	assert.Equal(t, []string{"E", "R11000", "L1300", "S"}, rec.Commands())
}

func TestRead(t *testing.T) {
	hs, _ := newHotstage(t, func(cmd string) (string, bool) {
		if cmd == "T" {
			return statusResp(0x30, "01F4"), true
		}
		return "", true
	})
	T, st, err := hs.Read()
	require.NoError(t, err)
	assert.Equal(t, 50.0, T)
	assert.Equal(t, instrument.Holding, st)
}

func TestNotConnected(t *testing.T) {
	hs := linkam.New("fake", false)
	_, _, err := hs.Read()
	assert.True(t, errors.Is(err, instrument.ErrNotConnected))
	assert.True(t, errors.Is(hs.SetRamp(1, 1), instrument.ErrNotConnected))
}
