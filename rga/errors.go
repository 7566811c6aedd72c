package rga

import (
	"fmt"
	"strings"
)

// Error is a constant error value, comparable with errors.Is
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrProtocol          = Error("protocol error")
	ErrInvalidParameter  = Error("invalid parameter")
	ErrOutOfRange        = Error("mass out of range")
	ErrDeviceTimeout     = Error("device timeout")
	ErrTransport         = Error("transport error")
	ErrDeviceUnreachable = Error("device unreachable")
	ErrUnexpectedDevice  = Error("unexpected device")
	ErrSetNotConfirmed   = Error("set not confirmed")
	ErrFilamentTimeout   = Error("filament timeout")
	ErrMeasurementFault  = Error("measurement fault")
	ErrScanInterrupted   = Error("scan interrupted")
	ErrSessionNotReady   = Error("session not ready")
	ErrSessionBusy       = Error("session busy")
	ErrSessionReleased   = Error("session released")
	ErrDeviceFault       = Error("device fault")
)

// FaultCode classifies one bit of the device status byte
type FaultCode byte

const (
	FaultCommunication FaultCode = 0 // RS232_ERR
	FaultFilament      FaultCode = 1 // FIL_ERR
	FaultCDEM          FaultCode = 3 // CEM_ERR
	FaultMassFilter    FaultCode = 4 // QMF_ERR
	FaultDetector      FaultCode = 5 // DET_ERR
	FaultPowerSupply   FaultCode = 6 // PS_ERR
)

var faultNames = map[FaultCode]string{
	FaultCommunication: "RS232_ERR",
	FaultFilament:      "FIL_ERR",
	FaultCDEM:          "CEM_ERR",
	FaultMassFilter:    "QMF_ERR",
	FaultDetector:      "DET_ERR",
	FaultPowerSupply:   "PS_ERR",
}

var faultDescriptions = map[FaultCode]string{
	FaultCommunication: "communication error or command queue overflow",
	FaultFilament:      "filament fault",
	FaultCDEM:          "electron multiplier fault",
	FaultMassFilter:    "mass filter fault",
	FaultDetector:      "detector fault, no ion signal",
	FaultPowerSupply:   "power supply fault or hardware interlock",
}

func (c FaultCode) String() string {
	if n, ok := faultNames[c]; ok {
		return n
	}
	return fmt.Sprintf("FaultCode(%d)", byte(c))
}

// Description returns the human readable meaning of the fault code
func (c FaultCode) Description() string {
	return faultDescriptions[c]
}

// Fault is a non-zero status byte reported by the device.
// errors.Is(f, ErrDeviceFault) holds for every Fault.
type Fault struct {
	Status byte
	Codes  []FaultCode
}

func newFault(status byte) *Fault {
	f := &Fault{Status: status}
	for bit := FaultCode(0); bit < 8; bit++ {
		if _, known := faultNames[bit]; known && status&(1<<bit) != 0 {
			f.Codes = append(f.Codes, bit)
		}
	}
	return f
}

func (f *Fault) Error() string {
	parts := make([]string, 0, len(f.Codes))
	for _, c := range f.Codes {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Description(), c))
	}
	return fmt.Sprintf("device fault 0x%02x: %s", f.Status, strings.Join(parts, "; "))
}

// Is matches ErrDeviceFault
func (f *Fault) Is(target error) bool {
	return target == ErrDeviceFault
}

// Has reports whether code is set in the fault
func (f *Fault) Has(code FaultCode) bool {
	for _, c := range f.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// without returns the fault with code removed, or nil if nothing is left
func (f *Fault) without(code FaultCode) *Fault {
	if !f.Has(code) {
		return f
	}
	status := f.Status &^ (1 << code)
	g := newFault(status)
	if len(g.Codes) == 0 {
		return nil
	}
	return g
}

// CalibrationError names the calibration step that failed
type CalibrationError struct {
	Step string
	Err  error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibration step %q failed: %v", e.Step, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }
