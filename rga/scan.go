package rga

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Reading is a single mass measurement
type Reading struct {
	AMU      float64 `json:"amu"`
	Raw      float64 `json:"raw"`      // ion current as reported
	Pressure float64 `json:"pressure"` // Torr
}

// Point is one sample of a spectrum
type Point struct {
	AMU      float64 `json:"amu"`
	Pressure float64 `json:"pressure"` // Torr
}

// Spectrum is the result of a mass sweep
type Spectrum struct {
	ID            uuid.UUID `json:"id"`
	Started       time.Time `json:"started"`
	Min           int       `json:"min"`
	Max           int       `json:"max"`
	StepsPerAMU   int       `json:"steps_per_amu"`
	Points        []Point   `json:"points"`
	TotalPressure float64   `json:"total_pressure"` // Torr
	Complete      bool      `json:"complete"`
}

// SpectrumLen is the number of points of a sweep from min to max at res steps per amu
func SpectrumLen(min, max, res int) int {
	return (max-min)*res + 1
}

// sample points are rounded to a micro-amu so that both ends of the window are exact
func samplePoint(min, res, i int) float64 {
	return math.Round((float64(min)+float64(i)/float64(res))*1e6) / 1e6
}

// sensitivity returns a cached sensitivity factor, querying it once if needed
func (s *Session) sensitivity(ctx context.Context, name string) (float64, error) {
	if v, ok := s.cached(name); ok {
		return v, nil
	}
	p, err := s.reg.Describe(name)
	if err != nil {
		return 0, err
	}
	return s.get(ctx, p)
}

func toPressure(raw, sens float64, name string) (float64, error) {
	if sens <= 0 {
		return 0, fmt.Errorf("%w: %s is %v", ErrMeasurementFault, name, sens)
	}
	return raw / sens, nil
}

func (s *Session) measure(ctx context.Context, amu float64) (float64, error) {
	cmd, err := NewMeasure(amu)
	if err != nil {
		return 0, err
	}
	rep, err := s.transact(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return rep.Value, nil
}

// ReadMass measures one mass and converts the ion current with the partial
// pressure sensitivity factor.
func (s *Session) ReadMass(ctx context.Context, amu int) (Reading, error) {
	if err := s.acquire(); err != nil {
		return Reading{}, err
	}
	defer s.mu.Unlock()

	if limit := s.maxAMU(); amu < 1 || amu > limit {
		return Reading{}, fmt.Errorf("%w: mass %d outside [1, %d]", ErrOutOfRange, amu, limit)
	}
	if s.Filament() != FilamentOn {
		s.log.Warnf("Reading mass %d with the filament off", amu)
	}
	sens, err := s.sensitivity(ctx, "partial_sensitivity")
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrMeasurementFault, err)
	}
	raw, err := s.measure(ctx, float64(amu))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: mass %d: %w", ErrMeasurementFault, amu, err)
	}
	p, err := toPressure(raw, sens, "partial_sensitivity")
	if err != nil {
		return Reading{}, err
	}
	return Reading{AMU: float64(amu), Raw: raw, Pressure: p}, nil
}

// ReadSpectrum sweeps [min, max] at res steps per amu, one measurement per point,
// then reads the total pressure. If a point fails or ctx is done, the points
// measured so far are returned together with ErrScanInterrupted.
func (s *Session) ReadSpectrum(ctx context.Context, min, max, res int) (*Spectrum, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if min >= max {
		return nil, fmt.Errorf("%w: scan start %d is not below stop %d", ErrInvalidParameter, min, max)
	}
	if limit := s.maxAMU(); min < 1 || max > limit {
		return nil, fmt.Errorf("%w: scan [%d, %d] outside [1, %d]", ErrOutOfRange, min, max, limit)
	}
	sa, err := s.reg.Describe("scan_steps_per_amu")
	if err != nil {
		return nil, err
	}
	if err := sa.Validate(float64(res)); err != nil {
		return nil, err
	}
	if s.Filament() != FilamentOn {
		s.log.Warnf("Scanning with the filament off")
	}

	partial, err := s.sensitivity(ctx, "partial_sensitivity")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMeasurementFault, err)
	}
	total, err := s.sensitivity(ctx, "total_sensitivity")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMeasurementFault, err)
	}

	n := SpectrumLen(min, max, res)
	sp := &Spectrum{
		ID:          uuid.New(),
		Started:     time.Now(),
		Min:         min,
		Max:         max,
		StepsPerAMU: res,
		Points:      make([]Point, 0, n),
	}
	s.log.Infof("Reading spectrum from %d amu to %d amu with %d steps/amu", min, max, res)

	for i := 0; i < n; i++ {
		amu := samplePoint(min, res, i)
		if err := ctx.Err(); err != nil {
			return sp, fmt.Errorf("%w: at %v amu: %w", ErrScanInterrupted, amu, err)
		}
		raw, err := s.measure(ctx, amu)
		if err != nil {
			return sp, fmt.Errorf("%w: at %v amu: %w", ErrScanInterrupted, amu, err)
		}
		p, err := toPressure(raw, partial, "partial_sensitivity")
		if err != nil {
			return sp, fmt.Errorf("%w: %w", ErrScanInterrupted, err)
		}
		sp.Points = append(sp.Points, Point{AMU: amu, Pressure: p})
	}

	rep, err := s.transact(ctx, mustQuery(s.reg, cmdTotalPressure))
	if err != nil {
		return sp, fmt.Errorf("%w: total pressure: %w", ErrMeasurementFault, err)
	}
	tp, err := toPressure(rep.Value, total, "total_sensitivity")
	if err != nil {
		return sp, err
	}
	sp.TotalPressure = tp
	sp.Complete = true
	return sp, nil
}
