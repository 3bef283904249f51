package poller_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/mock"
	"github.com/lcdlab/sponexp/poller"
)

func TestPollPublishes(t *testing.T) {
	hs := mock.NewHotstage(22.5)
	st := experiment.NewState(10)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := poller.New(hs, st, poller.Options{Now: func() time.Time { return at }}, zerolog.Nop())

	require.NoError(t, p.Poll())
	r, fresh := st.Reading()
	assert.True(t, fresh)
	assert.Equal(t, 22.5, r.Temperature)
	assert.Equal(t, instrument.Stopped, r.Status)
	assert.Equal(t, at, r.Time)
	assert.Len(t, st.TemperatureLog(), 1)
}

func TestPollFailureDoesNotPublish(t *testing.T) {
	hs := mock.NewHotstage(30)
	st := experiment.NewState(10)
	p := poller.New(hs, st, poller.Options{}, zerolog.Nop())
	require.NoError(t, p.Poll())

	hs.SetTemperature(99)
	hs.FailNextReads(2)
	assert.Error(t, p.Poll())
	assert.Error(t, p.Poll())
	r, fresh := st.Reading()
	assert.False(t, fresh)
	assert.Equal(t, 30., r.Temperature, "failed reads never publish a value")
	assert.Len(t, st.TemperatureLog(), 1)
	assert.Equal(t, 2, st.Status(time.Now()).ReadFailures)

	require.NoError(t, p.Poll())
	r, fresh = st.Reading()
	assert.True(t, fresh)
	assert.Equal(t, 99., r.Temperature)
}

type countingController struct {
	mu sync.Mutex
	n  int
}

func (c *countingController) SetRamp(target, rate float64) error { return nil }
func (c *countingController) Stop() error                         { return nil }
func (c *countingController) Read() (float64, instrument.MotionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return float64(c.n), instrument.Heating, nil
}
func (c *countingController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestRunUntilCanceled(t *testing.T) {
	tc := &countingController{}
	st := experiment.NewState(1000)
	p := poller.New(tc, st, poller.Options{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return tc.count() >= 5 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
	n := tc.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, tc.count(), "no reads after Run returns")
	assert.Len(t, st.TemperatureLog(), n)
}

// slowController advances the clock while a read is in flight
type slowController struct {
	countingController
	clock *time.Time
}

func (s *slowController) Read() (float64, instrument.MotionStatus, error) {
	*s.clock = s.clock.Add(time.Second)
	return s.countingController.Read()
}

func TestReadingStampedWhenReadBegins(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	began := now
	tc := &slowController{clock: &now}
	st := experiment.NewState(10)
	p := poller.New(tc, st, poller.Options{Now: func() time.Time { return now }}, zerolog.Nop())

	require.NoError(t, p.Poll())
	r, _ := st.Reading()
	assert.Equal(t, began, r.Time, "a ramp issued during the read is newer than the reading")
}
