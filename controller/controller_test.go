package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/mock"
	"github.com/lcdlab/sponexp/results"
	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/sweep"
)

func fastConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Mock = true
	cfg.TickInterval = 5 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.Settings.Stabilization = 10 * time.Millisecond
	cfg.Settings.RampRate = 6000
	cfg.Settings.Tolerance = 0.5
	cfg.Settings.OutputPath = filepath.Join(t.TempDir(), "results.json")
	return cfg
}

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.ConnectConfigured())
	return c
}

// running starts the loops and stops them at the end of the test
func running(t *testing.T, c *Controller) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
}

func waitFinished(t *testing.T, events <-chan sequencer.Event) sequencer.RunFinished {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-events:
			if fin, ok := e.(sequencer.RunFinished); ok {
				return fin
			}
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestMockRunCompletes(t *testing.T) {
	cfg := fastConfig(t)
	c := newController(t, cfg)
	events, cancel := c.Events(256)
	defer cancel()
	running(t, c)

	spec := sweep.Spec{Temperatures: []float64{25, 30}, Voltages: []float64{1, 2}}
	require.NoError(t, c.Start(spec, c.Defaults()))
	fin := waitFinished(t, events)
	assert.Equal(t, experiment.Completed, fin.Outcome, fin.Reason)
	assert.Equal(t, 4, fin.Points)

	doc, err := results.Load(cfg.Settings.OutputPath)
	require.NoError(t, err)
	assert.Len(t, doc.Recorded(), 4)
	p, err := c.Latest()
	require.NoError(t, err)
	assert.Equal(t, 3, p.Index)
	assert.Contains(t, p.Result(), "Channel3")

	st := c.Status()
	assert.Equal(t, experiment.Idle, st.Phase)
	assert.Len(t, st.Instruments, 3)
	assert.True(t, st.TemperatureValid)
	assert.NotEmpty(t, c.TemperatureLog())
}

func TestMockLCRRun(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Instruments = []Connection{
		{Role: Generator, Driver: DriverMockLCR},
		{Role: Acquirer, Driver: DriverMockLCR},
	}
	c := newController(t, cfg)
	assert.Same(t, c.devices[Generator].dev, c.devices[Acquirer].dev, "one meter in both roles")
	in := c.instruments(nil, "CPD")
	_, ok := in.Acquirer.(instrument.MeasureAcquirer)
	assert.True(t, ok)

	events, cancel := c.Events(0)
	defer cancel()
	running(t, c)
	require.NoError(t, c.SingleShot(22, 0.5, nil, c.Defaults()))
	fin := waitFinished(t, events)
	assert.Equal(t, experiment.Completed, fin.Outcome, fin.Reason)
	p, err := c.Latest()
	require.NoError(t, err)
	assert.Equal(t, []float64{1e-9}, p.Result()["Cp"])
}

func TestConnectRejectsWrongRole(t *testing.T) {
	c, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, c.Connect(Connection{Role: Hotstage, Driver: DriverTektronix, Addr: "10.0.0.2:4000"}))
	assert.Error(t, c.Connect(Connection{Role: Generator, Driver: DriverLinkam, Addr: "/dev/ttyUSB0"}))
	assert.Error(t, c.Connect(Connection{Role: Acquirer, Driver: "keithley"}))
	assert.Empty(t, c.Connections())
}

func TestConnectConfiguredReportsFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mock = true
	cfg.Instruments = []Connection{{Role: Hotstage, Driver: DriverLinkam, Addr: "GPIB0::3::INSTR"}}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, c.ConnectConfigured())
	assert.Len(t, c.Connections(), 3, "mocks fill the roles that failed")
}

func TestBusyWhileRunning(t *testing.T) {
	cfg := fastConfig(t)
	c := newController(t, cfg)
	// no Run loop, the run stays in its first phase
	require.NoError(t, c.Start(sweep.Spec{Temperatures: []float64{80}, Voltages: []float64{1}}, c.Defaults()))
	assert.ErrorIs(t, c.GoToTemperature(30, 10), sequencer.ErrBusy)
	assert.ErrorIs(t, c.Connect(Connection{Role: Hotstage, Driver: DriverMock}), sequencer.ErrBusy)
	assert.ErrorIs(t, c.Start(sweep.Spec{Temperatures: []float64{80}, Voltages: []float64{1}}, c.Defaults()), sequencer.ErrBusy)
}

func TestGoToTemperature(t *testing.T) {
	c, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, c.GoToTemperature(30, 10), instrument.ErrNotConnected)

	require.NoError(t, c.Connect(Connection{Role: Hotstage, Driver: DriverMock}))
	require.NoError(t, c.GoToTemperature(30, 0))
	hs := c.devices[Hotstage].dev.(*mock.Hotstage)
	assert.Equal(t, []mock.Ramp{{Target: 30, Rate: 20}}, hs.Ramps(), "default ramp rate")
}

func TestResumeFinishesRecordedRun(t *testing.T) {
	cfg := fastConfig(t)
	path := cfg.Settings.OutputPath

	// a run that stopped after its first point
	plan, err := sweep.Plan(sweep.Spec{Temperatures: []float64{25}, Voltages: []float64{1, 2, 3}})
	require.NoError(t, err)
	store := results.New(results.Options{}, zerolog.Nop())
	require.NoError(t, store.Begin(sequencer.Run{ID: "first", Settings: cfg.Settings, Plan: plan}))
	require.NoError(t, plan[0].Attach(instrument.Result{"Channel1": {1}}))
	require.NoError(t, store.Record(plan[0]))

	c := newController(t, cfg)
	events, cancel := c.Events(64)
	defer cancel()
	running(t, c)
	require.NoError(t, c.Resume(path))
	fin := waitFinished(t, events)
	assert.Equal(t, experiment.Completed, fin.Outcome, fin.Reason)
	assert.Equal(t, 3, fin.Points)

	doc, err := results.Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Recorded(), 3)
	assert.Equal(t, []float64{1}, doc.Plan[0].Result()["Channel1"], "recorded point kept")
}

func TestLatestBeforeAnyPoint(t *testing.T) {
	c, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Latest()
	assert.ErrorIs(t, err, ErrNoPoint)
}

func TestEventsCancel(t *testing.T) {
	c, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	ch, cancel := c.Events(1)
	c.publish(sequencer.PhaseChanged{To: experiment.SettingTemperature})
	c.publish(sequencer.PhaseChanged{To: experiment.GoingToTemperature})
	e := <-ch
	assert.Equal(t, experiment.GoingToTemperature, e.(sequencer.PhaseChanged).To, "oldest dropped")
	cancel()
	cancel()
	c.publish(sequencer.PhaseChanged{})
	assert.Empty(t, ch)
}
