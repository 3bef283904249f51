package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"

	"github.com/lcdlab/sponexp/controller"
	"github.com/lcdlab/sponexp/discover"
	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/httpapi"
	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/sweep"
)

func station(c Config, log zerolog.Logger) (*controller.Controller, error) {
	st, err := controller.New(c.Station, log)
	if err != nil {
		return nil, err
	}
	if err := st.ConnectConfigured(); err != nil {
		// the station is usable without them, they can be connected over HTTP
		log.Warn().Err(err).Msg("some instruments did not connect")
	}
	return st, nil
}

func run() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(c.LogLevel)
	st, err := station(c, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: c.Addr, Handler: httpapi.New(st, log).Handler()}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Addr).Msg("now listening for requests")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			stop()
		}
	}()

	runErr := st.Run(ctx)
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	select {
	case err := <-errs:
		return err
	default:
	}
	log.Info().Msg("stopped")
	return runErr
}

type listFlag []float64

func (l *listFlag) String() string {
	return fmt.Sprint([]float64(*l))
}

func (l *listFlag) Set(s string) error {
	v, err := sweep.ParseList(s)
	if err != nil {
		return err
	}
	*l = append(*l, v...)
	return nil
}

func sweepCmd(args []string) error {
	var (
		spec           sweep.Spec
		ts, vs, fs     listFlag
		output, resume string
		quiet          bool
	)
	fset := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fset.Var(&ts, "T", "temperatures, C")
	fset.Var(&vs, "V", "voltages, V peak-to-peak")
	fset.Var(&fs, "F", "frequencies, Hz (optional)")
	fset.StringVar(&output, "o", "", "result file, overrides the configured one")
	fset.StringVar(&resume, "resume", "", "continue the run recorded in this result file")
	fset.BoolVar(&quiet, "q", false, "no spinner")
	if err := fset.Parse(args); err != nil {
		return err
	}
	spec.Temperatures, spec.Voltages, spec.Frequencies = ts, vs, fs

	c, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := station(c, newLogger(c.LogLevel))
	if err != nil {
		return err
	}
	settings := st.Defaults()
	if output != "" {
		settings.OutputPath = output
	}
	events, unsubscribe := st.Events(256)
	defer unsubscribe()
	if resume != "" {
		err = st.Resume(resume)
	} else {
		err = st.Start(spec, settings)
	}
	if err != nil {
		st.Close()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	spin, err := newSpinner(quiet)
	if err != nil {
		cancel()
		<-done
		return err
	}
	spin.Start()
	fin := follow(ctx, st, events, spin)
	cancel()
	runErr := <-done

	msg := fmt.Sprintf("%s: %d points", fin.Outcome, fin.Points)
	if fin.Reason != "" {
		msg += ", " + fin.Reason
	}
	if fin.Outcome == experiment.Completed {
		spin.StopMessage(msg)
		spin.Stop()
		return runErr
	}
	spin.StopFailMessage(msg)
	spin.StopFail()
	if runErr != nil {
		return runErr
	}
	return fmt.Errorf("run %s", fin.Outcome)
}

func newSpinner(quiet bool) (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	if quiet {
		cfg.TerminalMode = yacspin.ForceNoTTYMode | yacspin.ForceDumbTerminalMode
		cfg.Frequency = time.Second
	}
	return yacspin.New(cfg)
}

// follow updates the spinner until the run finishes or ctx is canceled
func follow(ctx context.Context, st *controller.Controller, events <-chan sequencer.Event, spin *yacspin.Spinner) sequencer.RunFinished {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			// Run stops the sequencer on its way out
			s := st.Status()
			return sequencer.RunFinished{RunID: s.RunID, Outcome: experiment.Aborted, Reason: "interrupted", Points: s.Index}
		case e := <-events:
			switch e := e.(type) {
			case sequencer.RunFinished:
				return e
			case sequencer.Error:
				spin.Message(e.String())
			}
		case <-tick.C:
			s := st.Status()
			spin.Suffix(fmt.Sprintf(" %d/%d", s.Index+1, s.Total))
			spin.Message(fmt.Sprintf("%s, %.2f C", s.Phase, s.Temperature))
		}
	}
}

func discoverCmd() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	list, err := discover.List(c.Station.Discover)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tTRANSPORT\tDESCRIPTION")
	for _, in := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", in.Resource, in.Transport, in.Description)
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}
	return err
}
