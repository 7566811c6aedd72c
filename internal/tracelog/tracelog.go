// Package tracelog persists session transactions as a stream of CBOR records
// and reads them back.
package tracelog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/speters/rgad/rga"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("tracelog: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("tracelog: cbor decoder mode: %v", err))
	}
}

// Entry is the persisted form of a rga.Record
type Entry struct {
	Time     time.Time     `cbor:"1,keyasint"`
	Session  string        `cbor:"2,keyasint"`
	Seq      uint64        `cbor:"3,keyasint"`
	Command  string        `cbor:"4,keyasint"`
	Reply    string        `cbor:"5,keyasint,omitempty"`
	Outcome  rga.Outcome   `cbor:"6,keyasint"`
	Error    string        `cbor:"7,keyasint,omitempty"`
	Duration time.Duration `cbor:"8,keyasint"`
	Status   uint8         `cbor:"9,keyasint,omitempty"`
}

// NewEntry converts r
func NewEntry(r rga.Record) Entry {
	e := Entry{
		Time:     r.Start,
		Session:  r.Session.String(),
		Seq:      r.Seq,
		Command:  r.Command,
		Reply:    r.Reply,
		Outcome:  r.Outcome,
		Duration: r.Duration,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	if f := r.Fault(); f != nil {
		e.Status = f.Status
	}
	return e
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %s #%d %-8q -> %-14q %-8s %v",
		e.Time.Format(time.RFC3339Nano), e.Session, e.Seq, e.Command, e.Reply, e.Outcome, e.Duration)
	if e.Error != "" {
		s += " " + e.Error
	}
	return s
}

// Writer appends an Entry per transaction to a file. It is a rga.Tracer.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	log    logrus.FieldLogger
	closed bool
}

// Create opens path for appending, creating it if needed
func Create(path string, log logrus.FieldLogger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, enc: encMode.NewEncoder(f), log: log}, nil
}

// Trace implements rga.Tracer. Write errors are logged and otherwise ignored.
func (w *Writer) Trace(r rga.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err := w.enc.Encode(NewEntry(r)); err != nil {
		w.log.Warnf("Writing trace record failed: %v", err)
	}
}

// Close may be called more than once
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Filter selects entries; zero fields match everything
type Filter struct {
	Session    string
	Outcome    rga.Outcome
	FailedOnly bool
}

func (f Filter) matches(e Entry) bool {
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.FailedOnly && e.Outcome == rga.OutcomeOK {
		return false
	}
	return true
}

// Reader iterates the entries of a trace stream
type Reader struct {
	dec    *cbor.Decoder
	filter Filter
}

// NewReader reads entries matching f from r
func NewReader(r io.Reader, f Filter) *Reader {
	return &Reader{dec: decMode.NewDecoder(r), filter: f}
}

// Next returns the next matching entry or io.EOF
func (r *Reader) Next() (Entry, error) {
	for {
		var e Entry
		if err := r.dec.Decode(&e); err != nil {
			return Entry{}, err
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// Dump prints the entries of the trace file at path, one per line
func Dump(w io.Writer, path string, f Filter) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	r := NewReader(file, f)
	n := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("entry %d: %w", n+1, err)
		}
		if _, err := fmt.Fprintln(w, e); err != nil {
			return n, err
		}
		n++
	}
}
