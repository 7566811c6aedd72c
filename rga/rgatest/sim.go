// Package rgatest provides an in-memory RGA head for tests and dry runs.
package rgatest

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/speters/rgad/rga"
)

// DefaultID is the identification string of a fresh Sim
const DefaultID = "SRSRGA200VER0.24SN19436"

type timeoutError struct{}

func (timeoutError) Error() string   { return "sim: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Sim simulates an SRS RGA head behind a rga.Transport. It answers synchronously:
// every reply is queued on Write, ReadLine never blocks and reports a timeout
// when nothing is queued. It records every command it receives.
//
// Exported fields may be changed between calls; Sim is safe for concurrent use.
type Sim struct {
	mu sync.Mutex

	ID   string
	CDEM bool

	// Status is echoed by status reporting commands and ER?
	Status byte
	// Silent swallows all commands, every read times out
	Silent bool
	// WarmupPolls is the number of FL? queries answered with the old current after FL<v>
	WarmupPolls int
	// Signal returns the ion current reported by MR
	Signal func(amu float64) float64
	// TotalPressure is the TP? reply
	TotalPressure float64
	// Unanswered lists commands that are swallowed without reply
	Unanswered map[string]bool
	// Ignore lists mnemonics whose set commands are acknowledged but not applied
	Ignore map[string]bool
	// Override returns raw reply lines for cmd, separated by '\n', if ok
	Override func(cmd string) (string, bool)

	regs     map[string]float64
	defaults map[string]float64
	emission float64
	target   float64
	polls    int
	pending  [][]byte
	writes   []string
	closed   bool
}

// New returns a Sim of an RGA200 with factory defaults, no CDEM and the filament off
func New() *Sim {
	s := &Sim{
		ID:         DefaultID,
		Unanswered: map[string]bool{},
		Ignore:     map[string]bool{},
		regs:       map[string]float64{},
		defaults:   map[string]float64{},
	}
	for _, p := range rga.DefaultRegistry().All() {
		if p.ReadOnly || p.Local {
			continue
		}
		s.defaults[p.Mnemonic] = p.Wire(p.Default)
		s.regs[p.Mnemonic] = p.Wire(p.Default)
	}
	// Faraday cup after power up
	s.regs["HV"] = 0
	return s
}

// Register returns the raw register value behind a mnemonic
func (s *Sim) Register(m string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[m]
}

// SetRegister changes a register as if the head had been configured out of band
func (s *Sim) SetRegister(m string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[m] = v
}

// Emission returns the current emission in mA
func (s *Sim) Emission() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emission
}

// SetEmission sets the emission, e.g. to start with the filament on
func (s *Sim) SetEmission(mA float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emission, s.target = mA, mA
}

// Writes returns the received commands without terminator
func (s *Sim) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Count returns how often cmd was received
func (s *Sim) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w == cmd {
			n++
		}
	}
	return n
}

// ClearWrites forgets the recorded commands
func (s *Sim) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Closed reports whether Close was called
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of queued reply lines
func (s *Sim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sim) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, cmd := range strings.Split(string(b), "\r") {
		if cmd == "" {
			continue
		}
		s.writes = append(s.writes, cmd)
		if s.Silent || s.Unanswered[cmd] {
			continue
		}
		if s.Override != nil {
			if reply, ok := s.Override(cmd); ok {
				for _, l := range strings.Split(reply, "\n") {
					s.pending = append(s.pending, []byte(l+"\n\r"))
				}
				continue
			}
		}
		if reply := s.handle(cmd); reply != nil {
			s.pending = append(s.pending, reply)
		}
	}
	return len(b), nil
}

// ReadLine pops the next reply. The timeout is not waited for.
func (s *Sim) ReadLine(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	if len(s.pending) == 0 {
		return nil, timeoutError{}
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

// Drain drops queued replies. Replies are queued at once, there is nothing to wait for.
func (s *Sim) Drain(settle time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var statusEcho = map[string]bool{"EE": true, "FL": true, "IE": true, "VF": true, "CA": true, "HV": true}

func (s *Sim) status() []byte { return rga.EncodeStatus(s.Status) }

func (s *Sim) handle(cmd string) []byte {
	if len(cmd) < 2 {
		return rga.EncodeStatus(1)
	}
	m, arg := cmd[:2], cmd[2:]

	switch m {
	case "ID":
		return []byte(s.ID + "\n\r")
	case "MO":
		if s.CDEM {
			return rga.EncodeReply(1)
		}
		return rga.EncodeReply(0)
	case "ER":
		return s.status()
	case "CA":
		return s.status()
	case "TP":
		return rga.EncodeReply(s.TotalPressure)
	case "MR":
		amu, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return rga.EncodeStatus(1)
		}
		v := 0.0
		if s.Signal != nil {
			v = s.Signal(amu)
		}
		return rga.EncodeReply(v)
	case "FL":
		return s.filament(arg)
	}

	if _, known := s.defaults[m]; !known {
		return rga.EncodeStatus(1)
	}
	switch arg {
	case "?":
		return rga.EncodeReply(s.regs[m])
	case "*":
		if !s.Ignore[m] {
			s.regs[m] = s.defaults[m]
		}
	default:
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return rga.EncodeStatus(1)
		}
		if !s.Ignore[m] {
			s.regs[m] = v
		}
	}
	if statusEcho[m] {
		return s.status()
	}
	return nil
}

func (s *Sim) filament(arg string) []byte {
	if arg == "?" {
		if s.emission != s.target {
			if s.polls < s.WarmupPolls {
				s.polls++
			} else {
				s.emission = s.target
			}
		}
		return rga.EncodeReply(s.emission)
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return rga.EncodeStatus(1)
	}
	if !s.Ignore["FL"] {
		s.target = v
		s.polls = 0
		if s.WarmupPolls == 0 {
			s.emission = v
		}
	}
	return s.status()
}
