/*Package httpapi exposes an experiment station over HTTP.

Every body is JSON.  Control routes answer 423 (locked) while the operator
lock is held, and the instrument routes also while a run is in progress.
GET /route-list returns every route.
*/
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"gonum.org/v1/plot"

	"github.com/lcdlab/sponexp/controller"
	"github.com/lcdlab/sponexp/discover"
	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/plotting"
	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/server"
	"github.com/lcdlab/sponexp/server/middleware/locker"
	"github.com/lcdlab/sponexp/sweep"
)

// Station is the experiment the API controls, satisfied by *controller.Controller
type Station interface {
	Start(sweep.Spec, experiment.Settings) error
	SingleShot(temperature, voltage float64, frequency *float64, settings experiment.Settings) error
	Resume(path string) error
	Stop()
	GoToTemperature(target, rate float64) error
	Connect(controller.Connection) error
	Status() controller.Status
	TemperatureLog() []experiment.Sample
	Latest() (*sweep.Point, error)
	Discover() ([]discover.Instrument, error)
	Defaults() experiment.Settings
}

// API holds the routes of a station
type API struct {
	st  Station
	rt  server.RouteTable
	log zerolog.Logger

	// lock is the operator's, busy holds the instruments during a run
	lock *locker.Locker
	busy *locker.Locker
}

// New builds the route table for st
func New(st Station, log zerolog.Logger) *API {
	a := &API{st: st, rt: server.RouteTable{}, log: log.With().Str("component", "http").Logger()}
	a.lock = locker.New()
	a.lock.DoNotProtect = append(a.lock.DoNotProtect, "/stop")
	a.busy = &locker.Locker{
		Busy:    func() bool { return st.Status().Phase != experiment.Idle },
		Protect: []string{"/connect", "/temperature-setpoint"},
	}

	a.rt[server.Get("/status")] = a.status
	a.rt[server.Get("/temperature-log")] = a.temperatureLog
	a.rt[server.Get("/temperature-log.png")] = a.temperatureLogPNG
	a.rt[server.Get("/latest")] = a.latest
	a.rt[server.Get("/latest.png")] = a.latestPNG
	a.rt[server.Get("/discover")] = a.discover
	a.rt[server.Post("/start")] = a.start
	a.rt[server.Post("/resume")] = a.resume
	a.rt[server.Post("/stop")] = a.stop
	a.rt[server.Post("/single-shot")] = a.singleShot
	a.rt[server.Post("/temperature-setpoint")] = a.setpoint
	a.rt[server.Post("/connect")] = a.connect
	locker.Inject(a, a.lock)
	a.rt[server.Get("/route-list")] = a.routeList
	return a
}

// RT returns the route table
func (a *API) RT() server.RouteTable {
	return a.rt
}

// Handler is the router serving the API
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(a.lock.Check)
	r.Use(a.busy.Check)
	a.rt.Bind(r)
	return r
}

// requestLogger is a chi middleware logging every request with zerolog
func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				ev := log.Debug()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Warn()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_ip", r.RemoteAddr).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// fail answers with the status matching err
func (a *API) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sequencer.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, sequencer.ErrNothingToResume):
		code = http.StatusConflict
	case errors.Is(err, controller.ErrNoPoint):
		code = http.StatusNotFound
	case errors.Is(err, instrument.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, experiment.ErrInvalid), errors.Is(err, sweep.ErrEmptyList),
		errors.Is(err, sweep.ErrNonFinite):
		code = http.StatusBadRequest
	case errors.Is(err, instrument.ErrTimeout), errors.Is(err, instrument.ErrMalformedResponse):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		a.log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, a.st.Status())
}

func (a *API) temperatureLog(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, a.st.TemperatureLog())
}

func (a *API) latest(w http.ResponseWriter, r *http.Request) {
	p, err := a.st.Latest()
	if err != nil {
		a.fail(w, err)
		return
	}
	server.EncodeAndRespond(w, p)
}

func (a *API) png(w http.ResponseWriter, pl *plot.Plot, err error) {
	if errors.Is(err, plotting.ErrNoData) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := plotting.WritePNG(w, pl, plotting.Width, plotting.Height); err != nil {
		a.log.Error().Err(err).Msg("render png")
	}
}

func (a *API) latestPNG(w http.ResponseWriter, r *http.Request) {
	p, err := a.st.Latest()
	if err != nil {
		a.fail(w, err)
		return
	}
	pl, err := plotting.Point(p)
	a.png(w, pl, err)
}

func (a *API) temperatureLogPNG(w http.ResponseWriter, r *http.Request) {
	pl, err := plotting.TemperatureLog(a.st.TemperatureLog())
	a.png(w, pl, err)
}

func (a *API) discover(w http.ResponseWriter, r *http.Request) {
	list, err := a.st.Discover()
	if err != nil {
		// partial results are still useful, the errors go in the log
		a.log.Warn().Err(err).Msg("discovery incomplete")
	}
	if list == nil {
		list = []discover.Instrument{}
	}
	server.EncodeAndRespond(w, list)
}

// StartRequest is the body of POST /start.  Settings left out of the body
// keep their configured defaults.
type StartRequest struct {
	sweep.Spec
	Settings *experiment.Settings `json:"settings,omitempty"`
}

func (a *API) settings(given *experiment.Settings) experiment.Settings {
	if given != nil {
		return *given
	}
	return a.st.Defaults()
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	def := a.st.Defaults()
	req := StartRequest{Settings: &def}
	if !server.DecodeBody(w, r, &req) {
		return
	}
	if err := a.st.Start(req.Spec, a.settings(req.Settings)); err != nil {
		a.fail(w, err)
		return
	}
	a.accepted(w)
}

// SingleShotRequest is the body of POST /single-shot
type SingleShotRequest struct {
	Temperature float64              `json:"temperature"`
	Voltage     float64              `json:"voltage"`
	Frequency   *float64             `json:"frequency,omitempty"`
	Settings    *experiment.Settings `json:"settings,omitempty"`
}

func (a *API) singleShot(w http.ResponseWriter, r *http.Request) {
	def := a.st.Defaults()
	req := SingleShotRequest{Settings: &def}
	if !server.DecodeBody(w, r, &req) {
		return
	}
	if err := a.st.SingleShot(req.Temperature, req.Voltage, req.Frequency, a.settings(req.Settings)); err != nil {
		a.fail(w, err)
		return
	}
	a.accepted(w)
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	var req server.StrT
	if !server.DecodeBody(w, r, &req) {
		return
	}
	if err := a.st.Resume(req.Str); err != nil {
		a.fail(w, err)
		return
	}
	a.accepted(w)
}

func (a *API) stop(w http.ResponseWriter, r *http.Request) {
	a.st.Stop()
	a.accepted(w)
}

// SetpointRequest is the body of POST /temperature-setpoint.  A zero rate
// uses the configured ramp rate.
type SetpointRequest struct {
	Temperature float64 `json:"temperature"`
	Rate        float64 `json:"rate,omitempty"`
}

func (a *API) setpoint(w http.ResponseWriter, r *http.Request) {
	var req SetpointRequest
	if !server.DecodeBody(w, r, &req) {
		return
	}
	if err := a.st.GoToTemperature(req.Temperature, req.Rate); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	var req controller.Connection
	if !server.DecodeBody(w, r, &req) {
		return
	}
	if err := a.st.Connect(req); err != nil {
		if errors.Is(err, sequencer.ErrBusy) {
			a.fail(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.EncodeAndRespond(w, a.st.Status().Instruments)
}

func (a *API) routeList(w http.ResponseWriter, r *http.Request) {
	server.EncodeAndRespond(w, a.rt.Endpoints())
}

// accepted answers 202 with the status, the request takes effect on the
// next ticks
func (a *API) accepted(w http.ResponseWriter) {
	server.Respond(w, http.StatusAccepted, a.st.Status())
}
