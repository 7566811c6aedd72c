// Package recorder scans spectra periodically and hands them to sinks
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/speters/rgad/internal/config"
	"github.com/speters/rgad/internal/publish"
	"github.com/speters/rgad/rga"
)

const (
	// MinInterval is the shortest time between the start of two scans
	MinInterval = 15 * time.Second

	ErrAlreadyRecording = rga.Error("recorder is already running")
)

// Scanner is the part of *rga.Session the recorder uses
type Scanner interface {
	ReadSpectrum(ctx context.Context, min, max, res int) (*rga.Spectrum, error)
	Snapshot() rga.DeviceState
}

// Observer is notified of every spectrum, e.g. *metrics.Metrics
type Observer interface {
	ObserveSpectrum(sp *rga.Spectrum)
}

type Recorder struct {
	scanner  Scanner
	sink     publish.Sink
	obs      Observer
	log      logrus.FieldLogger
	window   config.RecorderConfig
	interval time.Duration

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *rga.Spectrum
}

// New returns a stopped recorder. sink and obs may be nil.
func New(s Scanner, cfg config.RecorderConfig, sink publish.Sink, obs Observer, log logrus.FieldLogger) *Recorder {
	interval := cfg.Interval
	if interval < MinInterval {
		log.Warnf("Recorder interval %v raised to %v", interval, MinInterval)
		interval = MinInterval
	}
	return &Recorder{
		scanner:  s,
		sink:     sink,
		obs:      obs,
		log:      log,
		window:   cfg,
		interval: interval,
	}
}

// Interval is the effective scan interval
func (r *Recorder) Interval() time.Duration { return r.interval }

// Last returns the most recent spectrum, nil before the first scan
func (r *Recorder) Last() *rga.Spectrum {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Running reports whether the scan loop is active
func (r *Recorder) Running() bool { return atomic.LoadInt32(&r.running) == 1 }

// ScanOnce runs one scan and passes whatever was measured to the observer and sink.
// An interrupted scan is published with Complete unset.
func (r *Recorder) ScanOnce(ctx context.Context) (*rga.Spectrum, error) {
	w := r.window
	sp, err := r.scanner.ReadSpectrum(ctx, w.Min, w.Max, w.StepsPerAMU)
	if err != nil {
		r.log.Errorf("Scan failed: %v", err)
	}
	if sp == nil || len(sp.Points) == 0 {
		return sp, err
	}

	r.mu.Lock()
	r.last = sp
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.ObserveSpectrum(sp)
	}
	if r.sink != nil {
		if perr := r.sink.Publish(ctx, r.scanner.Snapshot().ID, sp); perr != nil {
			r.log.Warnf("Publishing spectrum %v failed: %v", sp.ID, perr)
		}
	}
	r.log.Debugf("Recorded spectrum %v with %d points, complete %v", sp.ID, len(sp.Points), sp.Complete)
	return sp, err
}

// Start scans immediately and then every interval until Stop or ctx is done
func (r *Recorder) Start(ctx context.Context) error {
	if ok := atomic.CompareAndSwapInt32(&r.running, 0, 1); !ok {
		return ErrAlreadyRecording
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer atomic.StoreInt32(&r.running, 0)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.log.Infof("Recording [%d, %d] amu at %d steps/amu every %v",
			r.window.Min, r.window.Max, r.window.StepsPerAMU, r.interval)
		for {
			r.ScanOnce(ctx)
			select {
			case <-ctx.Done():
				r.log.Debugf("Recorder stopped")
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop cancels a running scan and waits for the loop to end
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
