package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/speters/rgad/internal/metrics"
	"github.com/speters/rgad/internal/recorder"
	"github.com/speters/rgad/rga"
)

// requestTimeout bounds a single request; scans and calibration get longer
const (
	requestTimeout = 30 * time.Second
	scanTimeout    = 10 * time.Minute
)

type server struct {
	session  *rga.Session
	recorder *recorder.Recorder
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      log.FieldLogger
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/device", s.getDevice).Methods("GET")
	router.HandleFunc("/status", s.getStatus).Methods("GET")
	router.HandleFunc("/parameters", s.getParameters).Methods("GET")
	router.HandleFunc("/parameter/{name}", s.getParameter).Methods("GET")
	router.HandleFunc("/parameter/{name}", s.setParameter).Methods("POST")
	router.HandleFunc("/restore/{name}", s.restoreParameter).Methods("POST")
	router.HandleFunc("/mass/{amu:[0-9]+}", s.getMass).Methods("GET")
	router.HandleFunc("/spectrum", s.getSpectrum).Methods("GET")
	router.HandleFunc("/spectrum/last", s.getLastSpectrum).Methods("GET")
	router.HandleFunc("/filament/{state:on|off}", s.setFilament).Methods("POST")
	router.HandleFunc("/calibrate", s.calibrate).Methods("POST")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e.Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

// httpStatus maps driver errors to response codes
func httpStatus(err error) int {
	switch {
	case errors.Is(err, rga.ErrInvalidParameter), errors.Is(err, rga.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, rga.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, rga.ErrSessionNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, rga.ErrDeviceTimeout), errors.Is(err, rga.ErrFilamentTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rga.ErrDeviceFault), errors.Is(err, rga.ErrProtocol),
		errors.Is(err, rga.ErrTransport), errors.Is(err, rga.ErrSetNotConfirmed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warnf("%v %v: %v", r.Method, r.URL.Path, err)
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(httpStatus(err))
	w.Write([]byte(err.Error()))
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: buildVersion, BuildDate: buildDate})
}

func (s *server) getDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Session string `json:"session"`
		State   string `json:"state"`
		rga.DeviceState
	}{Session: s.session.ID().String(), State: s.session.State().String(), DeviceState: s.session.Snapshot()})
}

type faultJSON struct {
	Code        string `json:"code"`
	Bit         int    `json:"bit"`
	Description string `json:"description"`
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	f, err := s.session.DeviceStatus(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v := struct {
		Status byte        `json:"status"`
		Faults []faultJSON `json:"faults"`
	}{Faults: []faultJSON{}}
	if f != nil {
		v.Status = f.Status
		for _, c := range f.Codes {
			v.Faults = append(v.Faults, faultJSON{Code: c.String(), Bit: int(c), Description: c.Description()})
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) getParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Registry().All())
}

// parameter resolves the {name} route variable, answering 404 for unknown names
func (s *server) parameter(w http.ResponseWriter, r *http.Request) (rga.Parameter, bool) {
	name := mux.Vars(r)["name"]
	p, err := s.session.Registry().Describe(name)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(fmt.Sprintf("No such parameter %v", name)))
		return p, false
	}
	return p, true
}

type valueJSON struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

func (s *server) getParameter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parameter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	v, err := s.session.Get(ctx, p.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, valueJSON{Name: p.Name, Value: v, Unit: p.Unit})
}

func (s *server) setParameter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parameter(w, r)
	if !ok {
		return
	}
	var v float64
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.fail(w, r, fmt.Errorf("%w: body must be a JSON number: %v", rga.ErrInvalidParameter, err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.session.Set(ctx, p.Name, v); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w)
}

func (s *server) restoreParameter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parameter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.session.Restore(ctx, p.Name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w)
}

func (s *server) getMass(w http.ResponseWriter, r *http.Request) {
	amu, err := strconv.Atoi(mux.Vars(r)["amu"])
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", rga.ErrOutOfRange, err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rd, err := s.session.ReadMass(ctx, amu)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveReading(rd)
	}
	writeJSON(w, http.StatusOK, rd)
}

// queryInt returns the integer query parameter key or def if it is absent
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", rga.ErrInvalidParameter, key, v)
	}
	return i, nil
}

// scanDefault is the registry default of a scan window parameter
func (s *server) scanDefault(name string) int {
	p, err := s.session.Registry().Describe(name)
	if err != nil {
		return 0
	}
	return int(p.Default)
}

func (s *server) getSpectrum(w http.ResponseWriter, r *http.Request) {
	var args [3]int
	for i, q := range []struct{ key, param string }{
		{"min", "scan_start_mass"},
		{"max", "scan_stop_mass"},
		{"res", "scan_steps_per_amu"},
	} {
		v, err := queryInt(r, q.key, s.scanDefault(q.param))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		args[i] = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), scanTimeout)
	defer cancel()
	sp, err := s.session.ReadSpectrum(ctx, args[0], args[1], args[2])
	if sp != nil && s.metrics != nil {
		s.metrics.ObserveSpectrum(sp)
	}
	if err != nil && sp == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Warnf("%v %v: %v", r.Method, r.URL.Path, err)
		writeJSON(w, httpStatus(err), struct {
			Error    string        `json:"error"`
			Spectrum *rga.Spectrum `json:"spectrum"`
		}{Error: err.Error(), Spectrum: sp})
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (s *server) getLastSpectrum(w http.ResponseWriter, r *http.Request) {
	var sp *rga.Spectrum
	if s.recorder != nil {
		sp = s.recorder.Last()
	}
	if sp == nil {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("No spectrum recorded yet"))
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (s *server) setFilament(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	var err error
	if mux.Vars(r)["state"] == "on" {
		err = s.session.TurnOnFilament(ctx)
	} else {
		err = s.session.TurnOffFilament(ctx)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Filament())
}

func (s *server) calibrate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), scanTimeout)
	defer cancel()
	if err := s.session.CalibrateAll(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w)
}
