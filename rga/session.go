package rga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session
type State int32

const (
	StateClosed State = iota
	StateIdentifying
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FilamentState is the filament sub-state of a ready session
type FilamentState int32

const (
	FilamentOff FilamentState = iota
	FilamentWarmingUp
	FilamentOn
)

func (f FilamentState) String() string {
	switch f {
	case FilamentOff:
		return "off"
	case FilamentWarmingUp:
		return "warming-up"
	case FilamentOn:
		return "on"
	}
	return fmt.Sprintf("FilamentState(%d)", int32(f))
}

func (f FilamentState) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// DeviceState is the last known state of the connected head
type DeviceState struct {
	ID          string             `json:"id"`
	Model       string             `json:"model"`
	MaxAMU      int                `json:"max_amu"`
	CDEMPresent bool               `json:"cdem_present"`
	Filament    FilamentState      `json:"filament"`
	Values      map[string]float64 `json:"values"`
}

// Supported heads, the number is the mass range in amu
var models = []struct {
	name   string
	maxAMU int
}{
	{"SRSRGA100", 100},
	{"SRSRGA200", 200},
	{"SRSRGA300", 300},
}

func parseModel(id string) (string, int, bool) {
	for _, m := range models {
		if strings.Contains(id, m.name) {
			return m.name, m.maxAMU, true
		}
	}
	return "", 0, false
}

// Defaults
const (
	DefaultTimeout            = 5 * time.Second
	DefaultCalibrationTimeout = 30 * time.Second
	DefaultFilamentPolls      = 10
	DefaultFilamentPollEvery  = time.Second
	filamentOffThreshold      = 0.02 // mA
)

// Option configures a Session
type Option func(*Session)

// WithTimeout bounds every reply read
func WithTimeout(d time.Duration) Option { return func(s *Session) { s.timeout = d } }

// WithSettle sets how long the line must stay quiet before the next command
// after a failed transaction. It defaults to the reply timeout.
func WithSettle(d time.Duration) Option { return func(s *Session) { s.settle = d } }

// WithCalibrationTimeout bounds the reply to the calibration command, which takes longer
func WithCalibrationTimeout(d time.Duration) Option {
	return func(s *Session) { s.calTimeout = d }
}

// WithFilamentPolling sets how often and how long the filament state is polled after switching
func WithFilamentPolling(polls int, every time.Duration) Option {
	return func(s *Session) {
		s.polls = polls
		s.pollEvery = every
	}
}

// WithTracer attaches t to the session from Open until Close
func WithTracer(t Tracer) Option { return func(s *Session) { s.attach = t } }

// WithLogger sets the logger, logrus.StandardLogger() by default
func WithLogger(l logrus.FieldLogger) Option { return func(s *Session) { s.log = l } }

// WithNonBlocking makes concurrent calls fail ErrSessionBusy instead of waiting
func WithNonBlocking() Option { return func(s *Session) { s.nonBlocking = true } }

// WithRegistry replaces the compiled-in parameter table
func WithRegistry(r *Registry) Option { return func(s *Session) { s.reg = r } }

// Session owns one connection to an RGA head and is the only user of its Transport.
// All operations are serialized; none of them may be called from a Tracer.
type Session struct {
	mu  sync.Mutex   // held for the whole of every operation
	smu sync.RWMutex // guards state and dev for lock-free readers

	t   Transport
	reg *Registry
	log logrus.FieldLogger

	attach Tracer
	tracer Tracer
	id     uuid.UUID
	seq    uint64
	stale  bool

	// set once the transport has been released, sessions are single-use
	released bool

	timeout     time.Duration
	settle      time.Duration
	calTimeout  time.Duration
	polls       int
	pollEvery   time.Duration
	nonBlocking bool

	state State
	dev   DeviceState
}

// New returns a closed session on t
func New(t Transport, opts ...Option) *Session {
	s := &Session{
		t:          t,
		reg:        DefaultRegistry(),
		log:        logrus.StandardLogger(),
		timeout:    DefaultTimeout,
		calTimeout: DefaultCalibrationTimeout,
		polls:      DefaultFilamentPolls,
		pollEvery:  DefaultFilamentPollEvery,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.state
}

// Filament returns the filament sub-state
func (s *Session) Filament() FilamentState {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.dev.Filament
}

// Snapshot returns a copy of the cached device state
func (s *Session) Snapshot() DeviceState {
	s.smu.RLock()
	defer s.smu.RUnlock()
	d := s.dev
	d.Values = make(map[string]float64, len(s.dev.Values))
	for k, v := range s.dev.Values {
		d.Values[k] = v
	}
	return d
}

// ID identifies the session in trace records; a new one is drawn on every Open
func (s *Session) ID() uuid.UUID {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.id
}

// Registry returns the parameter table in use
func (s *Session) Registry() *Registry { return s.reg }

func (s *Session) setState(st State) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.state != st {
		s.log.Debugf("Session state changed: %v --> %v", s.state, st)
	}
	s.state = st
}

func (s *Session) setFilament(f FilamentState) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.dev.Filament != f {
		s.log.Debugf("Filament state changed: %v --> %v", s.dev.Filament, f)
	}
	s.dev.Filament = f
}

func (s *Session) store(name string, v float64) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.dev.Values[name] = v
}

func (s *Session) cached(name string) (float64, bool) {
	s.smu.RLock()
	defer s.smu.RUnlock()
	v, ok := s.dev.Values[name]
	return v, ok
}

func (s *Session) cdem() bool {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.dev.CDEMPresent
}

func (s *Session) maxAMU() int {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.dev.MaxAMU
}

// acquire takes the operation lock of a ready session
func (s *Session) acquire() error {
	if s.nonBlocking {
		if !s.mu.TryLock() {
			return ErrSessionBusy
		}
	} else {
		s.mu.Lock()
	}
	if st := s.State(); st != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %v", ErrSessionNotReady, st)
	}
	return nil
}

// Open identifies the head and makes the session ready. On failure the session
// stays closed and the transport is closed if it implements io.Closer.
// A session opens at most once: after Close or a failed Open it returns
// ErrSessionReleased, use a new Session on a new Transport.
func (s *Session) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("open: %w", ErrSessionReleased)
	}
	if st := s.State(); st != StateClosed {
		return fmt.Errorf("open: session is %v", st)
	}

	s.smu.Lock()
	s.id = uuid.New()
	s.dev = DeviceState{Values: map[string]float64{}}
	s.smu.Unlock()
	s.seq = 0
	s.stale = false
	s.tracer = s.attach
	s.setState(StateIdentifying)

	defer func() {
		if err != nil {
			s.log.Errorf("Open failed: %v", err)
			s.shutdown()
		}
	}()

	rep, err := s.transact(ctx, mustQuery(s.reg, cmdIdentify))
	if err != nil {
		if errors.Is(err, ErrDeviceTimeout) || errors.Is(err, ErrTransport) {
			return fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
		}
		return fmt.Errorf("identify: %w", err)
	}
	model, maxAMU, ok := parseModel(rep.Text)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnexpectedDevice, rep.Text)
	}
	s.smu.Lock()
	s.dev.ID = rep.Text
	s.dev.Model = model
	s.dev.MaxAMU = maxAMU
	s.smu.Unlock()

	if err := s.detectCDEM(ctx); err != nil {
		return err
	}
	if err := s.readFilament(ctx); err != nil {
		return err
	}

	s.setState(StateReady)
	d := s.Snapshot()
	s.log.Infof("Connected to RGA model %v, id %v, cdem %v, filament %v", d.Model, d.ID, d.CDEMPresent, d.Filament)
	return nil
}

// Close releases the transport and forgets the device state
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return nil
	}
	return s.shutdown()
}

func (s *Session) shutdown() error {
	var err error
	if c, ok := s.t.(io.Closer); ok {
		err = c.Close()
	}
	s.smu.Lock()
	s.dev = DeviceState{}
	s.smu.Unlock()
	s.tracer = nil
	s.released = true
	s.setState(StateClosed)
	return err
}

func mustQuery(r *Registry, m string) Command {
	c, err := NewQuery(r, m)
	if err != nil {
		panic(err)
	}
	return c
}

func (s *Session) detectCDEM(ctx context.Context) error {
	rep, err := s.transact(ctx, mustQuery(s.reg, cmdCDEMOption))
	if err != nil {
		return fmt.Errorf("query cdem option: %w", err)
	}
	s.smu.Lock()
	s.dev.CDEMPresent = rep.Value != 0
	s.smu.Unlock()
	return nil
}

func (s *Session) readFilament(ctx context.Context) error {
	p, err := s.reg.Describe("filament_current")
	if err != nil {
		return err
	}
	v, err := s.get(ctx, p)
	if err != nil {
		return err
	}
	if v >= filamentOffThreshold {
		s.setFilament(FilamentOn)
	} else {
		s.setFilament(FilamentOff)
	}
	return nil
}

// transact runs one command/reply exchange and traces it
func (s *Session) transact(ctx context.Context, cmd Command) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	if s.stale {
		s.discardStale(ctx)
		s.stale = false
	}

	s.seq++
	rec := Record{Session: s.id, Seq: s.seq, Command: cmd.String(), Start: time.Now()}
	rep, err := s.roundTrip(ctx, cmd, &rec)
	rec.Duration = time.Since(rec.Start)
	rec.Err = err
	rec.Outcome = outcomeOf(err)
	if s.tracer != nil {
		s.tracer.Trace(rec)
	}
	return rep, err
}

// maxStaleLines bounds discardStale on a transport that keeps talking
const maxStaleLines = 64

// discardStale drops replies left over from a timed out or garbled exchange.
// It returns once no line arrived for the settle window, so a reply that is
// still on its way is not taken for the answer to the next command.
func (s *Session) discardStale(ctx context.Context) {
	settle := s.settle
	if settle <= 0 {
		settle = s.timeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < settle {
			settle = rem
		}
	}
	if d, ok := s.t.(Drainer); ok {
		if err := d.Drain(settle); err != nil {
			s.log.Warnf("Drain failed: %v", err)
		}
		return
	}
	if settle <= 0 {
		return
	}
	for i := 0; i < maxStaleLines; i++ {
		line, err := s.t.ReadLine(settle)
		if err != nil {
			if !isTimeout(err) {
				s.log.Warnf("Drain failed: %v", err)
			}
			return
		}
		s.log.Debugf("Discarded stale reply %q", strings.TrimSpace(string(line)))
	}
	s.log.Warnf("Input did not settle after %v stale lines", maxStaleLines)
}

func (s *Session) roundTrip(ctx context.Context, cmd Command, rec *Record) (Reply, error) {
	if _, err := s.t.Write(Encode(cmd)); err != nil {
		return Reply{}, fmt.Errorf("%w: write %v: %w", ErrTransport, cmd, err)
	}
	if cmd.Reply() == ReplyNone {
		return Reply{Kind: ReplyNone}, nil
	}

	timeout := s.timeout
	if cmd.Mnemonic() == cmdCalibrate {
		timeout = s.calTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		s.stale = true
		return Reply{}, fmt.Errorf("%w: no time left for %v: %w", ErrDeviceTimeout, cmd, ctx.Err())
	}

	line, err := s.t.ReadLine(timeout)
	if err != nil {
		if isTimeout(err) {
			s.stale = true
			return Reply{}, fmt.Errorf("%w: no reply to %v within %v", ErrDeviceTimeout, cmd, timeout)
		}
		return Reply{}, fmt.Errorf("%w: read reply to %v: %w", ErrTransport, cmd, err)
	}
	rec.Reply = strings.TrimSpace(string(line))

	rep, err := Decode(line, cmd.Reply())
	if err != nil {
		var f *Fault
		if errors.As(err, &f) && !s.cdem() {
			// without a multiplier the CEM bit carries no meaning
			if f = f.without(FaultCDEM); f == nil {
				return rep, nil
			}
			err = f
		}
		if errors.Is(err, ErrProtocol) {
			s.stale = true
		}
		return rep, fmt.Errorf("%v: %w", cmd, err)
	}
	return rep, nil
}

// Get queries a parameter and caches the result. Local setpoints are returned
// from the session without a transaction.
func (s *Session) Get(ctx context.Context, name string) (float64, error) {
	p, err := s.reg.Describe(name)
	if err != nil {
		return 0, err
	}
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.get(ctx, p)
}

func (s *Session) get(ctx context.Context, p Parameter) (float64, error) {
	if p.Local {
		if v, ok := s.cached(p.Name); ok {
			return v, nil
		}
		return p.Default, nil
	}
	if p.RequiresCDEM && !s.cdem() {
		return 0, fmt.Errorf("%w: %s requires a CDEM", ErrInvalidParameter, p.Name)
	}
	cmd, err := NewQuery(s.reg, p.Mnemonic)
	if err != nil {
		return 0, err
	}
	rep, err := s.transact(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", p.Name, err)
	}
	v, err := p.FromWire(rep.Value)
	if err != nil {
		return 0, err
	}
	s.store(p.Name, v)
	return v, nil
}

// Set validates v, writes it and confirms it with a read back.
// A read back that still differs after one more query fails ErrSetNotConfirmed.
func (s *Session) Set(ctx context.Context, name string, v float64) error {
	p, err := s.reg.Describe(name)
	if err != nil {
		return err
	}
	if err := p.Validate(v); err != nil {
		return err
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.set(ctx, p, v)
}

// check applies the limits that depend on the connected head
func (s *Session) check(p Parameter, v float64) error {
	if p.RequiresCDEM && !s.cdem() {
		return fmt.Errorf("%w: %s requires a CDEM", ErrInvalidParameter, p.Name)
	}
	if p.MassBound && v > float64(s.maxAMU()) {
		return fmt.Errorf("%w: %s=%v exceeds the mass range of the head (%d amu)", ErrInvalidParameter, p.Name, v, s.maxAMU())
	}
	return nil
}

func (s *Session) set(ctx context.Context, p Parameter, v float64) error {
	if err := s.check(p, v); err != nil {
		return err
	}
	if p.Local {
		s.store(p.Name, v)
		s.log.Infof("Setting %s to %v %s", p.Name, v, p.Unit)
		return nil
	}
	cmd, err := NewSet(s.reg, p.Mnemonic, v)
	if err != nil {
		return err
	}
	s.log.Infof("Setting %s to %v %s", p.Name, v, p.Unit)
	if _, err := s.transact(ctx, cmd); err != nil {
		return fmt.Errorf("set %s: %w", p.Name, err)
	}
	return s.confirm(ctx, p, v)
}

func (s *Session) confirm(ctx context.Context, p Parameter, want float64) error {
	var got float64
	for attempt := 0; attempt < 2; attempt++ {
		v, err := s.get(ctx, p)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", p.Name, err)
		}
		if p.Confirms(want, v) {
			return nil
		}
		got = v
		s.log.Warnf("%s readback %v differs from setpoint %v", p.Name, v, want)
	}
	return fmt.Errorf("%w: %s readback %v, setpoint %v", ErrSetNotConfirmed, p.Name, got, want)
}

// Restore sends the factory default of a parameter and confirms it
func (s *Session) Restore(ctx context.Context, name string) error {
	p, err := s.reg.Describe(name)
	if err != nil {
		return err
	}
	if p.ReadOnly {
		return fmt.Errorf("%w: %s is read-only", ErrInvalidParameter, p.Name)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.restore(ctx, p)
}

func (s *Session) restore(ctx context.Context, p Parameter) error {
	if p.Local {
		return s.set(ctx, p, p.Default)
	}
	if err := s.check(p, p.Default); err != nil {
		return err
	}
	cmd, err := NewDefault(s.reg, p.Mnemonic)
	if err != nil {
		return err
	}
	s.log.Infof("Restoring default %s", p.Name)
	if _, err := s.transact(ctx, cmd); err != nil {
		return fmt.Errorf("restore %s: %w", p.Name, err)
	}
	if p.DeviceDefault {
		_, err := s.get(ctx, p)
		return err
	}
	return s.confirm(ctx, p, p.Default)
}

// DeviceStatus reads the status byte. It returns nil when no error bit is set.
func (s *Session) DeviceStatus(ctx context.Context) (*Fault, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	_, err := s.transact(ctx, mustQuery(s.reg, cmdStatus))
	var f *Fault
	if errors.As(err, &f) {
		return f, nil
	}
	return nil, err
}
