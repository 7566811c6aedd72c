package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/speters/rgad/internal/config"
	"github.com/speters/rgad/internal/metrics"
	"github.com/speters/rgad/internal/publish"
	"github.com/speters/rgad/internal/recorder"
	"github.com/speters/rgad/internal/tracelog"
	"github.com/speters/rgad/rga"
	"github.com/speters/rgad/rga/rgatest"
)

var cfgFile = flag.String("f", "", "config `file`, defaults to rgad.yaml in the application data directory")
var connTo = flag.String("c", "", "connection string, use socket://[host]:[port] for TCP, [serialDevice] for direct serial connection or sim:// for a simulated head")
var httpServe = flag.String("s", "", "start http server at [bindtohost][:]port")
var interactive = flag.Bool("i", false, "interactive console")
var verbose = flag.Bool("v", false, "verbose logging")
var calibrate = flag.Bool("calibrate", false, "restore defaults and zero the detector after connecting")
var dumpTrace = flag.String("dump-trace", "", "print the transactions of a trace `file` and exit")
var failedOnly = flag.Bool("failed", false, "with -dump-trace, print failed transactions only")
var showVersion = flag.Bool("version", false, "print version and exit")
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

const (
	openTimeout     = 30 * time.Second
	shutdownTimeout = 20 * time.Second
)

func setupLogger(cfg config.LogConfig) (*log.Logger, io.Closer, error) {
	l := log.StandardLogger()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	if cfg.FilePath == "" {
		return l, io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return l, io.NopCloser(nil), err
	}
	l.SetOutput(f)
	return l, f, nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *cfgFile != "" {
		cfg, err = config.Load(*cfgFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if *connTo != "" {
		cfg.Device.Link = *connTo
	}
	if *httpServe != "" {
		// accept :[portnum] as well as [portnum]
		if i, err := strconv.Atoi(*httpServe); err == nil {
			*httpServe = fmt.Sprintf(":%d", i)
		}
		cfg.HTTP.Addr = *httpServe
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *calibrate {
		cfg.Session.CalibrateOnStart = true
	}
	return cfg, cfg.Validate()
}

// air is the ion current of a leak-tight chamber at about 1e-6 Torr
func air(amu float64) float64 {
	peaks := []struct{ amu, current float64 }{
		{2, 2e-11}, {14, 4e-12}, {16, 6e-12}, {17, 3e-11}, {18, 1.2e-10},
		{28, 8e-11}, {32, 2e-11}, {40, 1e-12}, {44, 5e-12},
	}
	v := 1e-14
	for _, p := range peaks {
		d := (amu - p.amu) / 0.25
		v += p.current * math.Exp(-d*d/2)
	}
	return v
}

func openTransport(link string) (rga.Transport, error) {
	if strings.HasPrefix(link, "sim://") {
		sim := rgatest.New()
		sim.WarmupPolls = 2
		sim.Signal = air
		sim.TotalPressure = 3e-10
		log.Warnf("Using a simulated RGA head")
		return sim, nil
	}
	return rga.Dial(link)
}

func newSinks(ctx context.Context, cfg *config.Config) (publish.Multi, error) {
	var sinks publish.Multi
	if cfg.Redis.Enabled {
		r, err := publish.DialRedis(ctx, cfg.Redis, log.StandardLogger())
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, r)
	}
	if cfg.Influx.Enabled {
		i, err := publish.DialInflux(ctx, cfg.Influx, log.StandardLogger())
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, i)
	}
	return sinks, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("rgad %s (%s)\n", buildVersion, buildDate)
		return
	}
	if *dumpTrace != "" {
		n, err := tracelog.Dump(os.Stdout, *dumpTrace, tracelog.Filter{FailedOnly: *failedOnly})
		if err != nil {
			log.Fatalf("Reading trace %v: %v", *dumpTrace, err)
		}
		log.Infof("%v transactions", n)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, logFile, err := setupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Opening log file: %v", err)
	}
	defer logFile.Close()

	stopProfile := func() error { return nil }
	if *cpuprofile != "" {
		if stopProfile, err = startCPUProfile(*cpuprofile); err != nil {
			log.Fatal(err)
		}
	}

	err = run(cfg, logger)
	if err := stopProfile(); err != nil {
		logger.Error(err)
	}
	if *memprofile != "" {
		if err := writeHeapProfile(*memprofile); err != nil {
			logger.Error(err)
		}
	}
	if err != nil {
		logger.Error(err)
		logFile.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	done := make(chan os.Signal, 1)
	signal.Notify(done,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracers := []rga.Tracer{rga.LogTracer(logger)}

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		var err error
		if m, err = metrics.New(reg); err != nil {
			return err
		}
		tracers = append(tracers, m)
	}

	if cfg.Trace.File != "" {
		w, err := tracelog.Create(cfg.Trace.File, logger)
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		defer w.Close()
		tracers = append(tracers, w)
	}

	t, err := openTransport(cfg.Device.Link)
	if err != nil {
		return fmt.Errorf("connecting to %v: %w", cfg.Device.Link, err)
	}

	opts := []rga.Option{
		rga.WithLogger(logger),
		rga.WithTimeout(cfg.Session.Timeout),
		rga.WithCalibrationTimeout(cfg.Session.CalibrationTimeout),
		rga.WithFilamentPolling(cfg.Session.FilamentPolls, cfg.Session.FilamentPollInterval),
		rga.WithTracer(rga.MultiTracer(tracers...)),
	}
	if cfg.Session.NonBlocking {
		opts = append(opts, rga.WithNonBlocking())
	}
	session := rga.New(t, opts...)

	octx, ocancel := context.WithTimeout(ctx, openTimeout)
	err = session.Open(octx)
	ocancel()
	if err != nil {
		return err
	}

	if cfg.Session.CalibrateOnStart {
		logger.Infof("Calibrating")
		if err := session.CalibrateAll(ctx); err != nil {
			session.Close()
			return err
		}
	}

	sinks, err := newSinks(ctx, cfg)
	if err != nil {
		sinks.Close()
		session.Close()
		return err
	}
	defer sinks.Close()

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		var obs recorder.Observer
		if m != nil {
			obs = m
		}
		rec = recorder.New(session, cfg.Recorder, sinks, obs, logger)
		if err := session.TurnOnFilament(ctx); err != nil {
			logger.Errorf("Turning on the filament failed: %v", err)
		}
		if err := rec.Start(ctx); err != nil {
			session.Close()
			return err
		}
	}

	var h *http.Server
	if cfg.HTTP.Addr != "" {
		api := &server{session: session, recorder: rec, metrics: m, gatherer: reg, log: logger}
		h = &http.Server{Addr: cfg.HTTP.Addr, Handler: api.routes()}
		go func() {
			if err := h.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err)
			}
		}()
		logger.Infof("Serving http on %v", cfg.HTTP.Addr)
	}

	quit := make(chan struct{})
	if *interactive {
		c, err := newConsole(session, rec)
		if err != nil {
			session.Close()
			return err
		}
		logger.SetOutput(c.Stderr())
		go func() {
			c.Run(ctx)
			close(quit)
		}()
	}

	select {
	case sig := <-done:
		logger.Infof("Got %v, shutting down", sig)
	case <-quit:
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if h != nil {
		if err := h.Shutdown(sctx); err != nil {
			logger.Warnf("Stopping http server: %v", err)
		}
	}
	if rec != nil {
		rec.Stop()
	}
	if session.State() == rga.StateReady {
		if err := session.TurnOffFilament(sctx); err != nil {
			logger.Errorf("Turning off the filament failed: %v", err)
		}
	}
	return session.Close()
}
