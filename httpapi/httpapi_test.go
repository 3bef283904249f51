package httpapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/controller"
	"github.com/lcdlab/sponexp/discover"
	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/httpapi"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/sweep"
)

type fakeStation struct {
	mu       sync.Mutex
	phase    experiment.Phase
	err      error
	spec     sweep.Spec
	settings experiment.Settings
	shot     []float64
	freq     *float64
	setpoint [2]float64
	conns    []controller.Connection
	stops    int
	latest   *sweep.Point
	resumed  string
}

func (f *fakeStation) Start(spec sweep.Spec, s experiment.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec, f.settings = spec, s
	return f.err
}

func (f *fakeStation) SingleShot(t, v float64, fr *float64, s experiment.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shot, f.freq, f.settings = []float64{t, v}, fr, s
	return f.err
}

func (f *fakeStation) Resume(path string) error {
	f.resumed = path
	return f.err
}

func (f *fakeStation) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeStation) GoToTemperature(t, rate float64) error {
	f.setpoint = [2]float64{t, rate}
	return f.err
}

func (f *fakeStation) Connect(c controller.Connection) error {
	if f.err != nil {
		return f.err
	}
	f.conns = append(f.conns, c)
	return nil
}

func (f *fakeStation) Status() controller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controller.Status{Status: experiment.Status{Phase: f.phase}, Instruments: f.conns}
}

func (f *fakeStation) TemperatureLog() []experiment.Sample { return nil }

func (f *fakeStation) Latest() (*sweep.Point, error) {
	if f.latest == nil {
		return nil, controller.ErrNoPoint
	}
	return f.latest, nil
}

func (f *fakeStation) Discover() ([]discover.Instrument, error) {
	return []discover.Instrument{{Resource: "ASRL/dev/ttyUSB0::INSTR", Transport: discover.Serial}}, nil
}

func (f *fakeStation) Defaults() experiment.Settings {
	return experiment.DefaultSettings()
}

func serve(t *testing.T, st httpapi.Station) *httptest.Server {
	srv := httptest.NewServer(httpapi.New(st, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatus(t *testing.T) {
	srv := serve(t, &fakeStation{phase: experiment.GoingToTemperature})
	resp := get(t, srv, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, "GoingToTemperature", m["phase"])
}

func TestStartUsesDefaults(t *testing.T) {
	st := &fakeStation{}
	srv := serve(t, st)
	resp := post(t, srv, "/start", `{"temperatures": [25, 50], "voltages": [1], "frequencies": [1000]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []float64{25, 50}, st.spec.Temperatures)
	assert.Equal(t, []float64{1000}, st.spec.Frequencies)
	assert.Equal(t, experiment.DefaultSettings(), st.settings)
}

func TestStartOverridesSettings(t *testing.T) {
	st := &fakeStation{}
	srv := serve(t, st)
	resp := post(t, srv, "/start", `{"temperatures": [25], "voltages": [1], "settings": {"tolerance": 0.5, "outputPath": "x.json"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 0.5, st.settings.Tolerance)
	assert.Equal(t, "x.json", st.settings.OutputPath)
	assert.Equal(t, experiment.DefaultSettings().RampRate, st.settings.RampRate, "unset fields keep defaults")
}

func TestStartErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{sequencer.ErrBusy, http.StatusConflict},
		{sweep.ErrEmptyList, http.StatusBadRequest},
		{experiment.ErrInvalid, http.StatusBadRequest},
		{&instrument.DeviceError{Op: "hotstage", Kind: instrument.NotConnected}, http.StatusServiceUnavailable},
		{&instrument.DeviceError{Op: "linkam: read", Kind: instrument.Timeout}, http.StatusBadGateway},
	}
	for _, c := range cases {
		srv := serve(t, &fakeStation{err: c.err})
		resp := post(t, srv, "/start", `{"temperatures": [25], "voltages": [1]}`)
		assert.Equal(t, c.code, resp.StatusCode, c.err.Error())
	}
	srv := serve(t, &fakeStation{})
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/start", `{"temps": [25]}`).StatusCode, "unknown field")
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/start", `{`).StatusCode)
}

func TestSingleShot(t *testing.T) {
	st := &fakeStation{}
	srv := serve(t, st)
	resp := post(t, srv, "/single-shot", `{"temperature": 40, "voltage": 2, "frequency": 500}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []float64{40, 2}, st.shot)
	require.NotNil(t, st.freq)
	assert.Equal(t, 500., *st.freq)
}

func TestLatest(t *testing.T) {
	st := &fakeStation{}
	srv := serve(t, st)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/latest").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/latest.png").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/temperature-log.png").StatusCode)

	p := &sweep.Point{Index: 3, Temperature: 25, Voltage: 1}
	require.NoError(t, p.Attach(instrument.Result{"time": {0, 1}, "Channel1": {2, 3}}))
	st.latest = p
	resp := get(t, srv, "/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, 3., m["index"])

	resp = get(t, srv, "/latest.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestInstrumentRoutesLockedDuringRun(t *testing.T) {
	st := &fakeStation{phase: experiment.CollectingData}
	srv := serve(t, st)
	assert.Equal(t, http.StatusLocked, post(t, srv, "/connect", `{"role": "hotstage", "driver": "mock"}`).StatusCode)
	assert.Equal(t, http.StatusLocked, post(t, srv, "/temperature-setpoint", `{"temperature": 30}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv, "/stop", ``).StatusCode)
	assert.Equal(t, 1, st.stops)

	st.mu.Lock()
	st.phase = experiment.Idle
	st.mu.Unlock()
	assert.Equal(t, http.StatusOK, post(t, srv, "/temperature-setpoint", `{"temperature": 30, "rate": 5}`).StatusCode)
	assert.Equal(t, [2]float64{30, 5}, st.setpoint)
	resp := post(t, srv, "/connect", `{"role": "hotstage", "driver": "mock"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []controller.Connection{{Role: controller.Hotstage, Driver: "mock"}}, st.conns)
}

func TestOperatorLock(t *testing.T) {
	st := &fakeStation{}
	srv := serve(t, st)
	require.Equal(t, http.StatusOK, post(t, srv, "/lock", `{"bool": true}`).StatusCode)
	assert.Equal(t, http.StatusLocked, post(t, srv, "/start", `{"temperatures": [25], "voltages": [1]}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv, "/stop", ``).StatusCode, "stop is never locked")
	assert.Equal(t, http.StatusOK, get(t, srv, "/status").StatusCode)

	var b struct{ Bool bool }
	require.NoError(t, json.NewDecoder(get(t, srv, "/lock").Body).Decode(&b))
	assert.True(t, b.Bool)

	require.Equal(t, http.StatusOK, post(t, srv, "/lock", `{"bool": false}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv, "/start", `{"temperatures": [25], "voltages": [1]}`).StatusCode)
}

func TestRouteListAndDiscover(t *testing.T) {
	srv := serve(t, &fakeStation{})
	var routes []string
	require.NoError(t, json.NewDecoder(get(t, srv, "/route-list").Body).Decode(&routes))
	assert.Contains(t, routes, "POST /start")
	assert.Contains(t, routes, "GET /latest.png")
	assert.Contains(t, routes, "POST /lock")

	var found []discover.Instrument
	require.NoError(t, json.NewDecoder(get(t, srv, "/discover").Body).Decode(&found))
	require.Len(t, found, 1)
	assert.Equal(t, discover.Serial, found[0].Transport)
}

func TestCORSPreflight(t *testing.T) {
	srv := serve(t, &fakeStation{})
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/start", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
