package rga

import (
	"fmt"
	"math"
)

// Parameter describes one device setting: its command mnemonic, value domain and default
type Parameter struct {
	Name        string    `json:"name"`
	Mnemonic    string    `json:"mnemonic"`
	Unit        string    `json:"unit,omitempty"`
	Description string    `json:"description,omitempty"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Step        float64   `json:"step,omitempty"`
	Choices     []float64 `json:"choices,omitempty"` // the wire value is the index into Choices
	AllowZero   bool      `json:"allow_zero,omitempty"`
	Default     float64   `json:"default"`

	ReadOnly      bool `json:"read_only,omitempty"`
	Local         bool `json:"local,omitempty"` // setpoint held by the session, sent with a filament action
	StatusEcho    bool `json:"-"`
	DeviceDefault bool `json:"device_default,omitempty"` // the '*' value is stored in the head, not compiled in
	RequiresCDEM  bool `json:"requires_cdem,omitempty"`
	MassBound     bool `json:"-"` // Max is further limited by the model's mass range

	Tolerance    float64 `json:"-"`
	RelTolerance float64 `json:"-"`
}

// validity slack for float steps, e.g. 3.5/0.02
const stepEpsilon = 1e-6

// Validate checks v against the documented domain of the parameter
func (p Parameter) Validate(v float64) error {
	if p.ReadOnly {
		return fmt.Errorf("%w: %s is read-only", ErrInvalidParameter, p.Name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s=%v is not a finite number", ErrInvalidParameter, p.Name, v)
	}
	if len(p.Choices) > 0 {
		for _, c := range p.Choices {
			if c == v {
				return nil
			}
		}
		return fmt.Errorf("%w: %s=%v, allowed values %v", ErrInvalidParameter, p.Name, v, p.Choices)
	}
	if p.AllowZero && v == 0 {
		return nil
	}
	if v < p.Min || v > p.Max {
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrInvalidParameter, p.Name, v, p.Min, p.Max)
	}
	if p.Step > 0 {
		n := (v - p.Min) / p.Step
		if math.Abs(n-math.Round(n)) > stepEpsilon {
			return fmt.Errorf("%w: %s=%v is not a multiple of %v", ErrInvalidParameter, p.Name, v, p.Step)
		}
	}
	return nil
}

// Wire converts a physical value into the number sent to the device
func (p Parameter) Wire(v float64) float64 {
	for i, c := range p.Choices {
		if c == v {
			return float64(i)
		}
	}
	return v
}

// FromWire converts a device reply into the physical value
func (p Parameter) FromWire(w float64) (float64, error) {
	if len(p.Choices) == 0 {
		return w, nil
	}
	i := int(w)
	if float64(i) != w || i < 0 || i >= len(p.Choices) {
		return 0, fmt.Errorf("%w: %s reported unknown setting %v", ErrProtocol, p.Name, w)
	}
	return p.Choices[i], nil
}

// Confirms reports whether a readback value confirms a setpoint
func (p Parameter) Confirms(set, readback float64) bool {
	if p.RelTolerance > 0 {
		return math.Abs(readback-set) <= p.RelTolerance*math.Abs(set)
	}
	return math.Abs(readback-set) <= p.Tolerance+stepEpsilon
}

// Registry is an immutable table of parameters
type Registry struct {
	params []Parameter
	byName map[string]int
}

// NewRegistry builds a registry; names must be unique
func NewRegistry(params []Parameter) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(params))}
	for _, p := range params {
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		if !validMnemonic(p.Mnemonic) {
			return nil, fmt.Errorf("parameter %q: bad mnemonic %q", p.Name, p.Mnemonic)
		}
		r.byName[p.Name] = len(r.params)
		r.params = append(r.params, p.clone())
	}
	return r, nil
}

func (p Parameter) clone() Parameter {
	if p.Choices != nil {
		p.Choices = append([]float64(nil), p.Choices...)
	}
	return p
}

// Describe returns the definition of the named parameter
func (r *Registry) Describe(name string) (Parameter, error) {
	i, ok := r.byName[name]
	if !ok {
		return Parameter{}, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParameter, name)
	}
	return r.params[i].clone(), nil
}

// All returns every parameter in table order
func (r *Registry) All() []Parameter {
	all := make([]Parameter, len(r.params))
	for i, p := range r.params {
		all[i] = p.clone()
	}
	return all
}

// Settable returns the writable parameter behind a mnemonic
func (r *Registry) Settable(mnemonic string) (Parameter, bool) {
	for _, p := range r.params {
		if p.Mnemonic == mnemonic && !p.ReadOnly {
			return p.clone(), true
		}
	}
	return Parameter{}, false
}

func (r *Registry) knows(mnemonic string) bool {
	for _, p := range r.params {
		if p.Mnemonic == mnemonic {
			return true
		}
	}
	return false
}

// highest mass of the largest supported head
const maxModelAMU = 300

var defaultParameters = []Parameter{
	{Name: "electron_energy", Mnemonic: "EE", Unit: "eV", Description: "electron impact ionization energy",
		Min: 25, Max: 105, Step: 1, Default: 70, StatusEcho: true},
	{Name: "ion_energy", Mnemonic: "IE", Unit: "eV", Description: "ion energy in the anode grid cage",
		Choices: []float64{8, 12}, Default: 12, StatusEcho: true},
	{Name: "focus_voltage", Mnemonic: "VF", Unit: "V", Description: "negative bias of the focus plate",
		Min: 0, Max: 150, Step: 1, Default: 90, StatusEcho: true},
	{Name: "emission_current", Mnemonic: "FL", Unit: "mA", Description: "electron emission setpoint applied when the filament is turned on",
		Min: 0, Max: 3.5, Step: 0.02, Default: 1.0, Local: true, Tolerance: 0.02},
	{Name: "filament_current", Mnemonic: "FL", Unit: "mA", Description: "actual electron emission current",
		Min: 0, Max: 3.5, ReadOnly: true},
	{Name: "cdem_voltage", Mnemonic: "HV", Unit: "V", Description: "electron multiplier high voltage, 0 selects the Faraday cup",
		Min: 10, Max: 2490, Step: 1, AllowZero: true, Default: 1400, StatusEcho: true, RequiresCDEM: true, RelTolerance: 0.1},
	{Name: "noise_floor", Mnemonic: "NF", Description: "electrometer averaging, 0 is slowest and 7 fastest",
		Min: 0, Max: 7, Step: 1, Default: 4},
	{Name: "partial_sensitivity", Mnemonic: "SP", Unit: "mA/Torr", Description: "partial pressure sensitivity factor",
		Min: 0, Max: 10, Default: 0.1, DeviceDefault: true, Tolerance: 1e-9},
	{Name: "total_sensitivity", Mnemonic: "ST", Unit: "mA/Torr", Description: "total pressure sensitivity factor",
		Min: 0, Max: 100, Default: 1, DeviceDefault: true, Tolerance: 1e-9},
	{Name: "scan_start_mass", Mnemonic: "MI", Unit: "amu", Description: "spectrogram window start",
		Min: 1, Max: maxModelAMU, Step: 1, Default: 1, MassBound: true},
	{Name: "scan_stop_mass", Mnemonic: "MF", Unit: "amu", Description: "spectrogram window end",
		Min: 1, Max: maxModelAMU, Step: 1, Default: 100, MassBound: true},
	{Name: "scan_steps_per_amu", Mnemonic: "SA", Unit: "steps/amu", Description: "spectrogram resolution",
		Min: 10, Max: 25, Step: 1, Default: 10},
}

var defaultRegistry = mustRegistry(defaultParameters)

func mustRegistry(params []Parameter) *Registry {
	r, err := NewRegistry(params)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRegistry returns the compiled-in parameter table of the SRS RGA heads
func DefaultRegistry() *Registry { return defaultRegistry }
