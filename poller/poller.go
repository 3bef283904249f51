/*Package poller reads a temperature controller on a fixed period and
publishes the readings into the experiment state.

The poller is the only writer of the reading fields of the state.  A failed
read never publishes a value; the last valid reading is kept for display and
marked stale so the sequencer will not use it for arrival decisions.
*/
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
)

const (
	// DefaultInterval is the polling period
	DefaultInterval = 50 * time.Millisecond

	// DefaultCapacity is the number of samples kept in the temperature log
	DefaultCapacity = 1000
)

// Options configure a Poller
type Options struct {
	// Interval is the polling period, DefaultInterval if zero
	Interval time.Duration

	// Now is the clock used to timestamp readings, time.Now if nil
	Now func() time.Time

	// FailureLogPeriod limits failure logging to one message per period,
	// 5 s if zero
	FailureLogPeriod time.Duration
}

// Poller polls one temperature controller
type Poller struct {
	tc    instrument.TemperatureController
	state *experiment.State
	opts  Options
	log   zerolog.Logger
	flog  zerolog.Logger

	failures int
}

// New creates a poller.  It does not start polling until Run is called.
func New(tc instrument.TemperatureController, state *experiment.State, opts Options, log zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailureLogPeriod <= 0 {
		opts.FailureLogPeriod = 5 * time.Second
	}
	log = log.With().Str("component", "poller").Logger()
	return &Poller{
		tc:    tc,
		state: state,
		opts:  opts,
		log:   log,
		flog:  log.Sample(&zerolog.BurstSampler{Burst: 1, Period: opts.FailureLogPeriod}),
	}
}

// Poll performs one read and publishes its outcome.  The reading is stamped
// with the time the read began, so it never looks newer than a command sent
// while it was in flight.
func (p *Poller) Poll() error {
	at := p.opts.Now()
	t, status, err := p.tc.Read()
	if err != nil {
		p.failures++
		p.state.MarkStale(err)
		p.flog.Warn().Err(err).Int("consecutive", p.failures).Msg("temperature read failed")
		return err
	}
	if p.failures > 0 {
		p.log.Info().Int("failures", p.failures).Msg("temperature readings recovered")
		p.failures = 0
	}
	p.state.PublishTemperature(t, status, at)
	return nil
}

// Run polls until ctx is canceled.  There is no backoff, a failing
// controller is read at the normal period.
func (p *Poller) Run(ctx context.Context) {
	tick := time.NewTicker(p.opts.Interval)
	defer tick.Stop()
	p.log.Debug().Dur("interval", p.opts.Interval).Msg("polling")
	p.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.Poll()
		}
	}
}
