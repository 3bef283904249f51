package mock_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/mock"
)

// the mocks must satisfy the capability interfaces
var (
	_ instrument.TemperatureController = (*mock.Hotstage)(nil)
	_ instrument.SignalSource          = (*mock.Generator)(nil)
	_ instrument.ChannelCapturer       = (*mock.Scope)(nil)
	_ instrument.Measurer              = (*mock.LCRMeter)(nil)
	_ instrument.SignalSource          = (*mock.LCRMeter)(nil)
)

func TestHotstageRampsAtRate(t *testing.T) {
	now := time.Unix(0, 0)
	h := mock.NewHotstage(25)
	h.SetClock(func() time.Time { return now })

	T, st, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, 25., T)
	assert.Equal(t, instrument.Stopped, st)

	require.NoError(t, h.SetRamp(35, 60)) // 1 C/s
	now = now.Add(4 * time.Second)
	T, st, _ = h.Read()
	assert.InDelta(t, 29., T, 1e-9)
	assert.Equal(t, instrument.Heating, st)

	now = now.Add(time.Minute)
	T, st, _ = h.Read()
	assert.Equal(t, 35., T)
	assert.Equal(t, instrument.Holding, st)

	require.NoError(t, h.SetRamp(30, 60))
	now = now.Add(time.Second)
	_, st, _ = h.Read()
	assert.Equal(t, instrument.Cooling, st)
	assert.Len(t, h.Ramps(), 2)
}

func TestHotstageFailures(t *testing.T) {
	h := mock.NewHotstage(25)
	h.FailNextReads(1)
	_, _, err := h.Read()
	assert.True(t, errors.Is(err, instrument.ErrTimeout))
	_, _, err = h.Read()
	assert.NoError(t, err)

	h.FailNextRamps(1)
	assert.Error(t, h.SetRamp(30, 10))
	assert.Empty(t, h.Ramps())
}

func TestScopeFollowsGenerator(t *testing.T) {
	g := mock.NewGenerator()
	require.NoError(t, g.SetAmplitude(2))
	s := mock.NewScope(g)
	wf, err := s.CaptureChannels([]string{"CH1", "CH2"})
	require.NoError(t, err)
	require.Len(t, wf.Channels, 2)
	r := wf.Result()
	assert.Len(t, r["time"], 1000)
	max := 0.
	for _, v := range r["Channel1"] {
		if v > max {
			max = v
		}
	}
	assert.InDelta(t, 1., max, 1e-3)
	assert.Equal(t, 1, s.Count())
}

func TestHoldBlocksAcquisition(t *testing.T) {
	s := mock.NewScope(nil)
	s.Hold()
	done := make(chan error)
	go func() {
		_, err := s.CaptureChannels([]string{"CH1"})
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("capture returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release()
	assert.NoError(t, <-done)
}

func TestLCRFailures(t *testing.T) {
	l := mock.NewLCRMeter()
	l.FailAcquisitions(1)
	_, err := l.Measure("CPD")
	assert.Error(t, err)
	rs, err := l.Measure("CPD")
	require.NoError(t, err)
	assert.Equal(t, []float64{1e-9, 0.01}, rs.Values)
}
