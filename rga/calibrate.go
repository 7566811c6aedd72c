package rga

import (
	"context"
)

// calibration order; the head expects defaults restored before the detector is zeroed
var calibrationDefaults = []string{
	"electron_energy",
	"ion_energy",
	"focus_voltage",
	"emission_current",
	"noise_floor",
	"partial_sensitivity",
	"total_sensitivity",
}

type calibrationStep struct {
	name string
	run  func(context.Context) error
}

// CalibrateAll brings the head into a known state and zeroes the detector:
// detect the CDEM, read the filament, set the CDEM voltage to 0, restore the
// ionizer, emission, noise floor and sensitivity defaults, then calibrate.
// The first failing step aborts the sequence and is reported as *CalibrationError.
func (s *Session) CalibrateAll(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	steps := []calibrationStep{
		{"detect cdem", s.detectCDEM},
		{"read filament", s.readFilament},
		{"zero cdem voltage", s.zeroCDEM},
	}
	for _, name := range calibrationDefaults {
		p, err := s.reg.Describe(name)
		if err != nil {
			return &CalibrationError{Step: "restore " + name, Err: err}
		}
		steps = append(steps, calibrationStep{"restore " + name, func(ctx context.Context) error {
			return s.restore(ctx, p)
		}})
	}
	steps = append(steps, calibrationStep{"zero detector", s.zeroDetector})

	for _, st := range steps {
		s.log.Debugf("Calibration step %q", st.name)
		if err := st.run(ctx); err != nil {
			return &CalibrationError{Step: st.name, Err: err}
		}
	}
	s.log.Infof("Calibration done")
	return nil
}

func (s *Session) zeroCDEM(ctx context.Context) error {
	if !s.cdem() {
		s.log.Infof("No CDEM installed, not setting CDEM voltage")
		return nil
	}
	p, err := s.reg.Describe("cdem_voltage")
	if err != nil {
		return err
	}
	return s.set(ctx, p, 0)
}

func (s *Session) zeroDetector(ctx context.Context) error {
	s.log.Infof("Zeroing ion detector and applying temperature compensation")
	_, err := s.transact(ctx, NewCalibrate())
	// the head may emit trailing bytes after the calibration echo
	s.stale = true
	return err
}
