package rga

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ReplyKind is the shape of the line a command is answered with
type ReplyKind byte

const (
	ReplyNone   ReplyKind = iota // no reply line
	ReplyStatus                  // status byte echo
	ReplyValue                   // single decimal number
	ReplyText                    // identification string
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyStatus:
		return "status"
	case ReplyValue:
		return "value"
	case ReplyText:
		return "text"
	}
	return fmt.Sprintf("ReplyKind(%d)", byte(k))
}

type argKind byte

const (
	argNone argKind = iota
	argQuery
	argDefault
	argValue
)

// Fixed mnemonics that are not registry parameters
const (
	cmdIdentify      = "ID"
	cmdCDEMOption    = "MO"
	cmdStatus        = "ER"
	cmdFilament      = "FL"
	cmdCalibrate     = "CA"
	cmdMeasure       = "MR"
	cmdTotalPressure = "TP"
)

var actionMnemonics = map[string]bool{
	cmdIdentify:      true,
	cmdCDEMOption:    true,
	cmdStatus:        true,
	cmdFilament:      true,
	cmdCalibrate:     true,
	cmdMeasure:       true,
	cmdTotalPressure: true,
}

// Commands that echo a status byte when they change something
var statusEchoActions = map[string]bool{
	cmdFilament:  true,
	cmdCalibrate: true,
}

// Command is one device command. The zero value is not a valid command,
// use the constructors.
type Command struct {
	mnemonic string
	arg      argKind
	value    float64
	reply    ReplyKind
}

// Mnemonic returns the two letter command name
func (c Command) Mnemonic() string { return c.mnemonic }

// Reply returns the kind of line the device answers with
func (c Command) Reply() ReplyKind { return c.reply }

// Value returns the numeric argument, if any
func (c Command) Value() (float64, bool) { return c.value, c.arg == argValue }

// IsQuery reports whether c is a '?' query
func (c Command) IsQuery() bool { return c.arg == argQuery }

// String returns the wire form without terminator
func (c Command) String() string {
	switch c.arg {
	case argQuery:
		return c.mnemonic + "?"
	case argDefault:
		return c.mnemonic + "*"
	case argValue:
		return c.mnemonic + formatArg(c.value)
	}
	return c.mnemonic
}

func validMnemonic(m string) bool {
	if len(m) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if m[i] < 'A' || m[i] > 'Z' {
			return false
		}
	}
	return true
}

func checkMnemonic(r *Registry, m string) error {
	if !validMnemonic(m) {
		return fmt.Errorf("%w: malformed mnemonic %q", ErrInvalidParameter, m)
	}
	if !actionMnemonics[m] && !r.knows(m) {
		return fmt.Errorf("%w: unknown mnemonic %q", ErrInvalidParameter, m)
	}
	return nil
}

// NewQuery builds a '?' query
func NewQuery(r *Registry, m string) (Command, error) {
	if err := checkMnemonic(r, m); err != nil {
		return Command{}, err
	}
	if m == cmdCalibrate || m == cmdMeasure {
		return Command{}, fmt.Errorf("%w: %s can not be queried", ErrInvalidParameter, m)
	}
	kind := ReplyValue
	switch m {
	case cmdIdentify:
		kind = ReplyText
	case cmdStatus:
		kind = ReplyStatus
	}
	return Command{mnemonic: m, arg: argQuery, reply: kind}, nil
}

// NewSet builds a set command. v is the physical value, it is validated against the
// parameter domain and converted to its wire representation.
func NewSet(r *Registry, m string, v float64) (Command, error) {
	if err := checkMnemonic(r, m); err != nil {
		return Command{}, err
	}
	p, ok := r.Settable(m)
	if !ok {
		return Command{}, fmt.Errorf("%w: %s is not settable", ErrInvalidParameter, m)
	}
	// FL0 turns the filament off and is always valid
	if !(m == cmdFilament && v == 0) {
		if err := p.Validate(v); err != nil {
			return Command{}, err
		}
	}
	kind := ReplyNone
	if p.StatusEcho || statusEchoActions[m] {
		kind = ReplyStatus
	}
	return Command{mnemonic: m, arg: argValue, value: p.Wire(v), reply: kind}, nil
}

// NewDefault builds a '*' command restoring the factory default of a parameter
func NewDefault(r *Registry, m string) (Command, error) {
	if err := checkMnemonic(r, m); err != nil {
		return Command{}, err
	}
	p, ok := r.Settable(m)
	if !ok || p.Local {
		return Command{}, fmt.Errorf("%w: %s has no device default", ErrInvalidParameter, m)
	}
	kind := ReplyNone
	if p.StatusEcho {
		kind = ReplyStatus
	}
	return Command{mnemonic: m, arg: argDefault, reply: kind}, nil
}

// NewCalibrate builds the detector zero / temperature compensation command
func NewCalibrate() Command {
	return Command{mnemonic: cmdCalibrate, reply: ReplyStatus}
}

// NewMeasure builds a single mass measurement
func NewMeasure(amu float64) (Command, error) {
	if math.IsNaN(amu) || math.IsInf(amu, 0) || amu < 1 || amu > maxModelAMU {
		return Command{}, fmt.Errorf("%w: mass %v outside [1, %d]", ErrOutOfRange, amu, maxModelAMU)
	}
	return Command{mnemonic: cmdMeasure, arg: argValue, value: amu, reply: ReplyValue}, nil
}

func formatArg(v float64) string {
	if v == 0 {
		v = 0 // no "-0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Encode returns the exact bytes written to the device for c
func Encode(c Command) []byte {
	return []byte(c.String() + "\r")
}

// Reply is a successfully decoded reply line
type Reply struct {
	Kind   ReplyKind
	Status byte
	Value  float64
	Text   string
}

// Decode parses a reply line. It never returns a partially valid Reply: the error
// is either a *Fault for a non-zero status byte or wraps ErrProtocol.
func Decode(line []byte, kind ReplyKind) (Reply, error) {
	for _, b := range line {
		if (b < 0x20 || b > 0x7e) && b != '\r' && b != '\n' && b != '\t' {
			return Reply{}, fmt.Errorf("%w: non-printable byte 0x%02x in reply", ErrProtocol, b)
		}
	}
	s := strings.TrimSpace(string(line))

	switch kind {
	case ReplyNone:
		if s != "" {
			return Reply{}, fmt.Errorf("%w: unexpected reply %q", ErrProtocol, s)
		}
		return Reply{Kind: ReplyNone}, nil
	case ReplyStatus:
		st, err := strconv.ParseUint(s, 10, 8)
		if err != nil || !isDecimal(s, false) {
			return Reply{}, fmt.Errorf("%w: bad status byte %q", ErrProtocol, s)
		}
		r := Reply{Kind: ReplyStatus, Status: byte(st)}
		if st == 0 {
			return r, nil
		}
		f := newFault(byte(st))
		if len(f.Codes) == 0 {
			return Reply{}, fmt.Errorf("%w: status byte %d has only reserved bits", ErrProtocol, st)
		}
		return r, f
	case ReplyValue:
		if !isDecimal(s, true) {
			return Reply{}, fmt.Errorf("%w: bad numeric reply %q", ErrProtocol, s)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
			return Reply{}, fmt.Errorf("%w: bad numeric reply %q", ErrProtocol, s)
		}
		return Reply{Kind: ReplyValue, Value: v}, nil
	case ReplyText:
		if s == "" {
			return Reply{}, fmt.Errorf("%w: empty reply", ErrProtocol)
		}
		return Reply{Kind: ReplyText, Text: s}, nil
	}
	return Reply{}, fmt.Errorf("%w: unknown reply kind %v", ErrProtocol, kind)
}

// isDecimal accepts [+-]digits[.digits][e[+-]digits], or plain digits when float is false
func isDecimal(s string, float bool) bool {
	if s == "" {
		return false
	}
	i := 0
	if float && (s[0] == '+' || s[0] == '-') {
		i++
	}
	digits := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		digits++
	}
	if !float {
		return i == len(s) && digits > 0
	}
	if i < len(s) && s[i] == '.' {
		i++
		for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
			exp++
		}
		if exp == 0 {
			return false
		}
	}
	return i == len(s)
}

// EncodeReply renders v the way the device answers a query, terminator included
func EncodeReply(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'g', -1, 64) + "\n\r")
}

// EncodeStatus renders a status byte echo
func EncodeStatus(st byte) []byte {
	return []byte(strconv.Itoa(int(st)) + "\n\r")
}
