package rga

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Outcome classifies how a transaction ended
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFault    Outcome = "fault"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeProtocol Outcome = "protocol"
	OutcomeIO       Outcome = "io"
)

// Record describes one command/reply transaction
type Record struct {
	Session  uuid.UUID
	Seq      uint64
	Command  string
	Reply    string
	Outcome  Outcome
	Err      error
	Start    time.Time
	Duration time.Duration
}

// Fault returns the device fault of the transaction, if any
func (r Record) Fault() *Fault {
	var f *Fault
	if errors.As(r.Err, &f) {
		return f
	}
	return nil
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrDeviceFault):
		return OutcomeFault
	case errors.Is(err, ErrDeviceTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrProtocol):
		return OutcomeProtocol
	}
	return OutcomeIO
}

// Tracer receives a Record for every transaction of a session.
// Trace is called with the session lock held and must not call back into the session.
type Tracer interface {
	Trace(Record)
}

// TracerFunc adapts a function to a Tracer
type TracerFunc func(Record)

func (f TracerFunc) Trace(r Record) { f(r) }

type multiTracer []Tracer

func (m multiTracer) Trace(r Record) {
	for _, t := range m {
		t.Trace(r)
	}
}

// MultiTracer fans records out to every non-nil tracer
func MultiTracer(tracers ...Tracer) Tracer {
	var m multiTracer
	for _, t := range tracers {
		if t != nil {
			m = append(m, t)
		}
	}
	return m
}

// LogTracer logs transactions, successful ones at debug level
func LogTracer(l logrus.FieldLogger) Tracer {
	return TracerFunc(func(r Record) {
		e := l.WithFields(logrus.Fields{
			"session":  r.Session.String(),
			"seq":      r.Seq,
			"command":  r.Command,
			"outcome":  string(r.Outcome),
			"duration": r.Duration,
		})
		if r.Reply != "" {
			e = e.WithField("reply", r.Reply)
		}
		if r.Err == nil {
			e.Debug("transaction")
			return
		}
		e.WithError(r.Err).Warn("transaction failed")
	})
}
