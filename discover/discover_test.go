package discover_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/discover"
)

func TestClassify(t *testing.T) {
	cases := map[string]discover.Transport{
		"ASRL/dev/ttyUSB0::INSTR":                 discover.Serial,
		"asrl3::INSTR":                            discover.Serial,
		"/dev/ttyS0":                              discover.Serial,
		"COM12":                                   discover.Serial,
		"USB0::0x0957::0x0407::MY44012345::INSTR": discover.USB,
		"TCPIP0::10.0.0.2::5025::SOCKET":          discover.TCPIP,
		"192.168.1.20:4001":                       discover.TCPIP,
		"localhost:5025":                          discover.TCPIP,
		"GPIB0::12::INSTR":                        discover.GPIB,
		"COMX":                                    discover.Unknown,
		"":                                        discover.Unknown,
	}
	for addr, want := range cases {
		assert.Equal(t, want, discover.Classify(addr), addr)
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in     string
		addr   string
		serial bool
	}{
		{"ASRL/dev/ttyUSB0::INSTR", "/dev/ttyUSB0", true},
		{"ASRL3::INSTR", "COM3", true},
		{"/dev/ttyUSB1", "/dev/ttyUSB1", true},
		{"COM4", "COM4", true},
		{"USB0::0x0957::0x0407::MY44012345::INSTR", "USB0::0x0957::0x0407::MY44012345::INSTR", false},
		{"TCPIP0::10.0.0.2::4000::SOCKET", "10.0.0.2:4000", false},
		{"TCPIP0::10.0.0.2::INSTR", "10.0.0.2:5025", false},
		{"10.0.0.3:4001", "10.0.0.3:4001", false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			res, err := discover.Parse(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.addr, res.Addr)
			assert.Equal(t, c.serial, res.Serial())
			assert.Equal(t, c.in, res.Raw)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := discover.Parse("GPIB0::12::INSTR")
	assert.ErrorIs(t, err, discover.ErrUnsupported)

	for _, bad := range []string{"ASRL::INSTR", "USB0::zz::0x1::INSTR", "TCPIP0::::INSTR", "TCPIP0", "nonsense"} {
		_, err := discover.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestListMerges(t *testing.T) {
	serial := func() ([]discover.Instrument, error) {
		return []discover.Instrument{{Resource: "ASRL/dev/ttyUSB0::INSTR", Transport: discover.Serial}}, nil
	}
	broken := func() ([]discover.Instrument, error) {
		return []discover.Instrument{{Resource: "USB0::0x1::0x2::INSTR", Transport: discover.USB}}, errors.New("libusb unavailable")
	}
	got, err := discover.List([]string{"TCPIP0::10.0.0.2::5025::SOCKET", "ASRL/dev/ttyUSB0::INSTR"}, serial, broken)
	assert.Error(t, err, "lister errors are reported")
	require.Len(t, got, 3, "duplicates collapse, partial results kept")
	assert.Equal(t, "ASRL/dev/ttyUSB0::INSTR", got[0].Resource)
	assert.Equal(t, "configured", got[0].Description, "configured entries win")
	assert.Equal(t, discover.TCPIP, got[1].Transport)
	assert.Equal(t, discover.USB, got[2].Transport)
}
