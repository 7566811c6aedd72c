package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/rgad/internal/metrics"
	"github.com/speters/rgad/rga"
	"github.com/speters/rgad/rga/rgatest"
)

func newTestServer(t *testing.T, sim *rgatest.Sim) (*httptest.Server, *rga.Session) {
	t.Helper()
	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	s := rga.New(sim, rga.WithLogger(log), rga.WithTracer(m), rga.WithFilamentPolling(3, time.Millisecond))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })

	api := &server{session: s, metrics: m, gatherer: reg, log: log}
	ts := httptest.NewServer(api.routes())
	t.Cleanup(ts.Close)
	return ts, s
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHTTPVersion(t *testing.T) {
	ts, _ := newTestServer(t, rgatest.New())
	code, body := do(t, "GET", ts.URL+"/version", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"version": "unspecified"`)
}

func TestHTTPParameters(t *testing.T) {
	ts, _ := newTestServer(t, rgatest.New())

	code, body := do(t, "GET", ts.URL+"/parameters", "")
	require.Equal(t, http.StatusOK, code)
	var params []rga.Parameter
	require.NoError(t, json.Unmarshal([]byte(body), &params))
	assert.Len(t, params, len(rga.DefaultRegistry().All()))

	code, body = do(t, "GET", ts.URL+"/parameter/electron_energy", "")
	require.Equal(t, http.StatusOK, code)
	var v valueJSON
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.Equal(t, 70.0, v.Value)

	code, _ = do(t, "POST", ts.URL+"/parameter/electron_energy", "40")
	assert.Equal(t, http.StatusOK, code)
	code, body = do(t, "GET", ts.URL+"/parameter/electron_energy", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.Equal(t, 40.0, v.Value)

	code, _ = do(t, "POST", ts.URL+"/restore/electron_energy", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTPErrors(t *testing.T) {
	sim := rgatest.New()
	ts, _ := newTestServer(t, sim)

	tests := []struct {
		method, path, body string
		code               int
	}{
		{"GET", "/parameter/nope", "", http.StatusNotFound},
		{"POST", "/parameter/electron_energy", "200", http.StatusBadRequest},
		{"POST", "/parameter/electron_energy", `"high"`, http.StatusBadRequest},
		{"POST", "/parameter/filament_current", "1", http.StatusBadRequest},
		{"GET", "/parameter/cdem_voltage", "", http.StatusBadRequest},
		{"GET", "/mass/0", "", http.StatusBadRequest},
		{"GET", "/mass/201", "", http.StatusBadRequest},
		{"GET", "/spectrum?min=5&max=2", "", http.StatusBadRequest},
		{"GET", "/spectrum?res=x", "", http.StatusBadRequest},
		{"GET", "/spectrum/last", "", http.StatusNotFound},
		{"POST", "/filament/maybe", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		code, body := do(t, tt.method, ts.URL+tt.path, tt.body)
		assert.Equal(t, tt.code, code, "%s %s: %s", tt.method, tt.path, body)
	}

	sim.Unanswered["NF?"] = true
	code, _ := do(t, "GET", ts.URL+"/parameter/noise_floor", "")
	assert.Equal(t, http.StatusGatewayTimeout, code)
}

func TestHTTPMass(t *testing.T) {
	sim := rgatest.New()
	sim.Signal = func(amu float64) float64 { return 1e-10 }
	sim.SetRegister("SP", 1)
	ts, _ := newTestServer(t, sim)

	code, body := do(t, "GET", ts.URL+"/mass/28", "")
	require.Equal(t, http.StatusOK, code, body)
	var r rga.Reading
	require.NoError(t, json.Unmarshal([]byte(body), &r))
	assert.Equal(t, 28.0, r.AMU)
	assert.Equal(t, 1e-10, r.Pressure)

	_, body = do(t, "GET", ts.URL+"/metrics", "")
	assert.Contains(t, body, `rga_partial_pressure_torr{mass="28"} 1e-10`)
	assert.Contains(t, body, `rga_transactions_total{command="MR",outcome="ok"} 1`)
}

func TestHTTPSpectrum(t *testing.T) {
	sim := rgatest.New()
	ts, _ := newTestServer(t, sim)

	code, body := do(t, "GET", ts.URL+"/spectrum?min=1&max=3&res=10", "")
	require.Equal(t, http.StatusOK, code, body)
	var sp rga.Spectrum
	require.NoError(t, json.Unmarshal([]byte(body), &sp))
	assert.Len(t, sp.Points, 21)
	assert.True(t, sp.Complete)

	sim.Unanswered["MR2"] = true
	code, body = do(t, "GET", ts.URL+"/spectrum?min=1&max=3", "")
	assert.Equal(t, http.StatusGatewayTimeout, code)
	var partial struct {
		Error    string
		Spectrum rga.Spectrum
	}
	require.NoError(t, json.Unmarshal([]byte(body), &partial))
	assert.Contains(t, partial.Error, rga.ErrScanInterrupted.Error())
	assert.Len(t, partial.Spectrum.Points, 10)
}

func TestHTTPFilament(t *testing.T) {
	sim := rgatest.New()
	ts, s := newTestServer(t, sim)

	code, body := do(t, "POST", ts.URL+"/filament/on", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"on"`)
	assert.Equal(t, rga.FilamentOn, s.Filament())

	code, body = do(t, "GET", ts.URL+"/device", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"filament": "on"`)
	assert.Contains(t, body, `"state": "ready"`)
	assert.Contains(t, body, `"model": "SRSRGA200"`)

	code, _ = do(t, "POST", ts.URL+"/filament/off", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, sim.Emission())
}

func TestHTTPStatus(t *testing.T) {
	sim := rgatest.New()
	ts, _ := newTestServer(t, sim)

	code, body := do(t, "GET", ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"faults": []`)

	sim.Status = 1<<1 | 1<<6
	code, body = do(t, "GET", ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status": 66`)
	assert.Contains(t, body, `"FIL_ERR"`)
	assert.Contains(t, body, `"PS_ERR"`)

	code, _ = do(t, "POST", ts.URL+"/calibrate", "")
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestHTTPNotReady(t *testing.T) {
	ts, s := newTestServer(t, rgatest.New())
	require.NoError(t, s.Close())
	code, _ := do(t, "GET", ts.URL+"/mass/2", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTPNotFoundIsText(t *testing.T) {
	ts, _ := newTestServer(t, rgatest.New())
	for _, path := range []string{"/parameter/nope", "/spectrum/last"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "text/plain; charset=UTF-8", resp.Header.Get("Content-Type"), path)
	}
}
