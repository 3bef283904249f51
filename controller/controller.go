/*Package controller assembles the instruments, the temperature poller, the
sequencer and the result store into one experiment, and runs it.

Run owns the two loops of the application: the poller goroutine, which reads
the hotstage for as long as the controller runs, and the tick loop which
advances the sequencer.  Every other method may be called from any goroutine,
e.g. HTTP handlers.
*/
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lcdlab/sponexp/archive"
	"github.com/lcdlab/sponexp/discover"
	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/poller"
	"github.com/lcdlab/sponexp/results"
	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/sweep"
)

// ErrNoPoint is returned when no point has been recorded yet
var ErrNoPoint = errors.New("no point recorded yet")

// Status is the experiment status with the connected instruments
type Status struct {
	experiment.Status
	Instruments []Connection `json:"instruments"`
}

// Controller is one experiment station
type Controller struct {
	cfg   Config
	log   zerolog.Logger
	state *experiment.State
	store *results.Store
	seq   *sequencer.Sequencer
	arch  *archive.Archiver
	now   func() time.Time

	// mu guards devices, and serializes connections and run requests
	mu      sync.Mutex
	devices map[Role]device

	subMu sync.Mutex
	subs  map[chan sequencer.Event]struct{}

	wg sync.WaitGroup
}

// New creates a controller with no instruments connected
func New(cfg Config, log zerolog.Logger) (*Controller, error) {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = def.LogCapacity
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("default settings: %w", err)
	}
	c := &Controller{
		cfg:     cfg,
		log:     log.With().Str("component", "controller").Logger(),
		state:   experiment.NewState(cfg.LogCapacity),
		store:   results.New(results.Options{FITS: cfg.FITS}, log),
		now:     time.Now,
		devices: map[Role]device{},
		subs:    map[chan sequencer.Event]struct{}{},
	}
	c.seq = sequencer.New(instrument.Instruments{}, c.state, sequencer.Options{Sink: c.store}, log)
	if cfg.Archive.Enabled() {
		a, err := archive.New(cfg.Archive, log)
		if err != nil {
			return nil, err
		}
		c.arch = a
	}
	return c, nil
}

// Defaults returns the settings used by runs which do not give their own
func (c *Controller) Defaults() experiment.Settings {
	s := c.cfg.Settings
	s.Channels = append([]string(nil), s.Channels...)
	return s
}

func (c *Controller) idle() bool {
	return c.state.Phase() == experiment.Idle
}

// Connect connects the instrument in role, replacing the one connected
// before.  It is refused while a run is in progress.
func (c *Controller) Connect(conn Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idle() {
		return sequencer.ErrBusy
	}
	if err := c.release(conn.Role); err != nil {
		c.log.Warn().Err(err).Str("role", string(conn.Role)).Msg("close failed")
	}
	dev, err := c.build(conn)
	if err != nil {
		return fmt.Errorf("connect %s %s %s: %w", conn.Role, conn.Driver, conn.Addr, err)
	}
	c.devices[conn.Role] = device{conn: conn, dev: dev}
	c.log.Info().Str("role", string(conn.Role)).Str("driver", conn.Driver).Str("addr", conn.Addr).Msg("connected")
	return nil
}

// ConnectConfigured connects every configured instrument, then mocks for
// the roles left empty when the configuration asks for them.  Every
// connection is attempted; the errors are combined.
func (c *Controller) ConnectConfigured() error {
	var errs error
	for _, conn := range c.cfg.Instruments {
		errs = multierr.Append(errs, c.Connect(conn))
	}
	if c.cfg.Mock {
		for _, r := range Roles {
			if !c.connected(r) {
				errs = multierr.Append(errs, c.Connect(Connection{Role: r, Driver: DriverMock}))
			}
		}
	}
	return errs
}

func (c *Controller) connected(r Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.devices[r]
	return ok
}

// Connections lists the connected instruments in role order
func (c *Controller) Connections() []Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Connection, 0, len(c.devices))
	for _, r := range Roles {
		if d, ok := c.devices[r]; ok {
			out = append(out, d.conn)
		}
	}
	return out
}

func (c *Controller) prepare(settings experiment.Settings) error {
	return c.seq.SetInstruments(c.instruments(settings.Channels, settings.Function))
}

// Start begins a sweep
func (c *Controller) Start(spec sweep.Spec, settings experiment.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(settings); err != nil {
		return err
	}
	return c.seq.Start(spec, settings)
}

// SingleShot measures one point, frequency may be nil
func (c *Controller) SingleShot(temperature, voltage float64, frequency *float64, settings experiment.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(settings); err != nil {
		return err
	}
	return c.seq.SingleShot(temperature, voltage, frequency, settings)
}

// Resume continues the run recorded at path with its own settings, writing
// to the same file
func (c *Controller) Resume(path string) error {
	doc, err := results.Load(path)
	if err != nil {
		return err
	}
	settings := doc.Run.Settings
	settings.OutputPath = path
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepare(settings); err != nil {
		return err
	}
	c.log.Info().Str("path", path).Int("recorded", len(doc.Recorded())).Int("points", len(doc.Plan)).Msg("resuming")
	return c.seq.Resume(doc.Plan, settings)
}

// Stop aborts the run in progress at the next tick
func (c *Controller) Stop() {
	c.seq.Stop()
}

// GoToTemperature ramps the hotstage to target at rate C/min.  It is a
// manual action, refused while a run is in progress.
func (c *Controller) GoToTemperature(target, rate float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idle() {
		return sequencer.ErrBusy
	}
	if rate <= 0 {
		rate = c.cfg.Settings.RampRate
	}
	hs := c.instruments(nil, "").Hotstage
	if hs == nil {
		return &instrument.DeviceError{Op: "hotstage", Kind: instrument.NotConnected, Err: instrument.ErrNotConnected}
	}
	c.log.Info().Float64("target", target).Float64("rate", rate).Msg("manual ramp")
	return hs.SetRamp(target, rate)
}

// Status is a snapshot of the experiment
func (c *Controller) Status() Status {
	return Status{Status: c.state.Status(c.now()), Instruments: c.Connections()}
}

// TemperatureLog returns the recent hotstage readings, oldest first
func (c *Controller) TemperatureLog() []experiment.Sample {
	return c.state.TemperatureLog()
}

// Latest is the most recently recorded point
func (c *Controller) Latest() (*sweep.Point, error) {
	p, ok := c.store.Latest()
	if !ok {
		return nil, ErrNoPoint
	}
	return p, nil
}

// Discover lists the instruments attached to this machine and the
// configured addresses
func (c *Controller) Discover() ([]discover.Instrument, error) {
	return discover.List(c.cfg.Discover)
}

// Events subscribes to the sequencer's events.  A subscriber that falls
// behind loses its oldest events.  cancel ends the subscription.
func (c *Controller) Events(buffer int) (events <-chan sequencer.Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan sequencer.Event, buffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) publish(e sequencer.Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		for sent := false; !sent; {
			select {
			case ch <- e:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// hotstageReader lets the poller follow the hotstage across reconnections
type hotstageReader struct {
	c *Controller
}

func (h hotstageReader) Read() (float64, instrument.MotionStatus, error) {
	h.c.mu.Lock()
	d, ok := h.c.devices[Hotstage]
	h.c.mu.Unlock()
	tc, _ := d.dev.(instrument.TemperatureController)
	if !ok || tc == nil {
		return 0, instrument.Unknown, &instrument.DeviceError{Op: "hotstage", Kind: instrument.NotConnected, Err: instrument.ErrNotConnected}
	}
	return tc.Read()
}

func (h hotstageReader) SetRamp(target, rate float64) error {
	return h.c.GoToTemperature(target, rate)
}

func (h hotstageReader) Stop() error {
	h.c.mu.Lock()
	hs := h.c.instruments(nil, "").Hotstage
	h.c.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Stop()
}

// Run polls the hotstage and advances the sequencer until ctx is canceled.
// On the way out the run in progress is stopped, the ramp halted, the
// output disabled, and the instruments closed.
func (c *Controller) Run(ctx context.Context) error {
	pctx, cancelPoll := context.WithCancel(context.Background())
	p := poller.New(hotstageReader{c}, c.state, poller.Options{Interval: c.cfg.PollInterval}, c.log)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p.Run(pctx)
	}()

	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	c.log.Info().Dur("tick", c.cfg.TickInterval).Dur("poll", c.cfg.PollInterval).Msg("running")
	for {
		select {
		case <-ctx.Done():
			c.seq.Stop()
			c.seq.Tick(c.now())
			c.drain(ctx)
			cancelPoll()
			c.wg.Wait()
			return c.Close()
		case now := <-tick.C:
			c.seq.Tick(now)
		case e := <-c.seq.Events():
			c.handle(ctx, e)
		}
	}
}

func (c *Controller) drain(ctx context.Context) {
	for {
		select {
		case e := <-c.seq.Events():
			c.handle(ctx, e)
		default:
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, e sequencer.Event) {
	c.publish(e)
	fin, ok := e.(sequencer.RunFinished)
	if !ok || c.arch == nil || fin.Points == 0 {
		return
	}
	path := c.store.Path()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// the upload outlives a canceled Run, but not by more than a minute
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := c.arch.UploadRun(actx, fin.RunID, path); err != nil {
			c.log.Error().Err(err).Str("run", fin.RunID).Msg("archive failed")
		}
	}()
}

// Close disconnects every instrument
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for _, r := range Roles {
		errs = multierr.Append(errs, c.release(r))
	}
	return errs
}
