package rga

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// TurnOnFilament switches the emission on at the emission_current setpoint and
// waits until the head reports it. When the filament is already on, the state is
// verified with a single query and no action command is sent.
func (s *Session) TurnOnFilament(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.switchFilament(ctx, true)
}

// TurnOffFilament switches the emission off and waits until the head reports it
func (s *Session) TurnOffFilament(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.switchFilament(ctx, false)
}

func (s *Session) emissionSetpoint() (Parameter, float64, error) {
	p, err := s.reg.Describe("emission_current")
	if err != nil {
		return Parameter{}, 0, err
	}
	v, ok := s.cached(p.Name)
	if !ok {
		v = p.Default
	}
	return p, v, nil
}

func (s *Session) switchFilament(ctx context.Context, on bool) error {
	current, err := s.reg.Describe("filament_current")
	if err != nil {
		return err
	}
	emission, setpoint, err := s.emissionSetpoint()
	if err != nil {
		return err
	}
	target := FilamentOn
	if !on {
		target = FilamentOff
		setpoint = 0
	} else if setpoint == 0 {
		return fmt.Errorf("%w: emission current setpoint is 0 mA", ErrInvalidParameter)
	}

	reached := func(v float64) bool {
		if on {
			return emission.Confirms(setpoint, v)
		}
		return v < filamentOffThreshold
	}

	prev := s.Filament()
	if prev == target {
		v, err := s.get(ctx, current)
		if err != nil {
			return fmt.Errorf("verify filament: %w", err)
		}
		if reached(v) {
			s.log.Debugf("Filament already %v (%v mA)", target, v)
			return nil
		}
		s.log.Warnf("Filament reported %v mA while %v, switching again", v, target)
	}

	cmd, err := NewSet(s.reg, cmdFilament, setpoint)
	if err != nil {
		return err
	}
	s.log.Infof("Turning filament %v, emission %v mA", target, setpoint)
	if on {
		s.setFilament(FilamentWarmingUp)
	}
	if _, err := s.transact(ctx, cmd); err != nil {
		s.setFilament(prev)
		return fmt.Errorf("filament %v: %w", target, err)
	}

	var last float64
	for i := 0; i < s.polls; i++ {
		t := time.NewTimer(s.pollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			s.filamentUnknown(on, prev)
			return ctx.Err()
		case <-t.C:
		}

		v, err := s.get(ctx, current)
		if errors.Is(err, ErrDeviceTimeout) {
			s.log.Debugf("Filament poll %d timed out", i+1)
			continue
		}
		if err != nil {
			s.filamentUnknown(on, prev)
			return fmt.Errorf("poll filament: %w", err)
		}
		last = v
		if reached(v) {
			s.setFilament(target)
			s.log.Infof("Filament is %v: %v mA", target, v)
			return nil
		}
	}
	s.filamentUnknown(on, prev)
	return fmt.Errorf("%w: filament %v not reached after %d polls, last reading %v mA", ErrFilamentTimeout, target, s.polls, round(last, 3))
}

// filamentUnknown settles the sub-state after an unconfirmed switch. A failed
// turn-on counts as off; a failed turn-off keeps the previous state since
// emission may still be present.
func (s *Session) filamentUnknown(on bool, prev FilamentState) {
	if on {
		s.setFilament(FilamentOff)
		return
	}
	s.setFilament(prev)
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
