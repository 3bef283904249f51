package tektronix_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/comm/commtest"
	"github.com/lcdlab/sponexp/tektronix"
)

var lf = comm.Terminators{Tx: '\n', Rx: '\n'}

// fakeScope answers the capture queries for whichever source is selected
func fakeScope() commtest.Handler {
	src := ""
	curves := map[string]string{"CH1": "10,20,30", "CH2": "-5,0,5"}
	return func(cmd string) (string, bool) {
		if strings.HasPrefix(cmd, "DAT:SOU ") {
			src = strings.TrimPrefix(cmd, "DAT:SOU ")
		}
		switch cmd {
		case "*OPC?":
			return "1", true
		case "WFMPRE:XZERO?":
			return "-1.0E-3", true
		case "WFMPRE:XINCR?":
			return "1.0E-3", true
		case "WFMPRE:YZERO?":
			return "0.5", true
		case "WFMPRE:YMULT?":
			return "0.1", true
		case "WFMPRE:YOFF?":
			return "10", true
		case "CURV?":
			return curves[src], true
		}
		return "", false
	}
}

func TestChannelID(t *testing.T) {
	for in, want := range map[string]string{"1": "CH1", "ch2": "CH2", "CH3": "CH3", "Channel4": "CH4"} {
		got, err := tektronix.ChannelID(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "CH0", "CH9", "math"} {
		_, err := tektronix.ChannelID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCaptureScalesTraces(t *testing.T) {
	opts, rec := commtest.Options(lf, fakeScope())
	s := tektronix.NewScope("fake", opts...)
	require.NoError(t, s.Open())
	defer s.Close()

	wf, err := s.CaptureChannels([]string{"1", "CH2"})
	require.NoError(t, err)
	assert.Equal(t, -1e-3, wf.T0)
	assert.Equal(t, 1e-3, wf.DT)
	require.Len(t, wf.Channels, 2)

	r := wf.Result()
	assert.InDeltaSlice(t, []float64{0.5, 1.5, 2.5}, r["Channel1"], 1e-12)
	assert.InDeltaSlice(t, []float64{-1, -0.5, 0}, r["Channel2"], 1e-12)
	assert.InDeltaSlice(t, []float64{-1e-3, 0, 1e-3}, r["time"], 1e-12)

	cmds := rec.Commands()
	assert.Equal(t, []string{":ACQ:STOPA SEQ", ":ACQ:STATE ON", "*OPC?", "DAT:ENC ASCI", "DAT:SOU CH1"}, cmds[:5])
}

func TestCaptureRejectsBadChannel(t *testing.T) {
	opts, _ := commtest.Options(lf, fakeScope())
	s := tektronix.NewScope("fake", opts...)
	require.NoError(t, s.Open())
	defer s.Close()
	_, err := s.CaptureChannels([]string{"CH1", "REF1"})
	assert.Error(t, err)
	_, err = s.CaptureChannels(nil)
	assert.Error(t, err)
}

func TestChannelCommands(t *testing.T) {
	opts, rec := commtest.Options(lf, fakeScope())
	s := tektronix.NewScope("fake", opts...)
	require.NoError(t, s.Open())
	defer s.Close()
	require.NoError(t, s.SetCoupling("1", "ac"))
	require.NoError(t, s.SetProbe("1", 10))
	require.NoError(t, s.SetChannelEnabled("2", true))
	require.NoError(t, s.SetTimebase(0.0005))
	require.NoError(t, s.SetAveraging(16))
	_, err := s.ReadString("*OPC?")
	require.NoError(t, err)
	assert.Equal(t, []string{"CH1:COUP AC", "CH1:PRO 10", "SEL:CH2 ON", ":HOR:MAI:SCA 0.0005", ":ACQ:MOD AVE", ":ACQ:NUMAV 16", "*OPC?"}, rec.Commands())
}
