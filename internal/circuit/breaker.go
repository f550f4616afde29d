// Package circuit isolates failing backends. Each service name gets its own
// Closed/Open/HalfOpen state machine; one service tripping never affects
// another.
package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrOpen is reported for calls short-circuited by an open breaker.
var ErrOpen = errors.New("circuit open: service unavailable")

// State of a single service's breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold failures within RollingWindow open the breaker.
	FailureThreshold int
	RollingWindow    time.Duration
	// CoolDown is how long the breaker stays open before allowing a trial.
	CoolDown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RollingWindow:    60 * time.Second,
		CoolDown:         30 * time.Second,
	}
}

// Status is a snapshot of one service's breaker.
type Status struct {
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`
}

// Permit is handed out by CanExecute and identifies the admission an
// outcome belongs to. Outcomes carrying a permit from before the latest
// state change are ignored.
type Permit struct {
	Service    string
	generation uint64
}

type circuit struct {
	mu             sync.Mutex
	state          State
	generation     uint64
	failures       []time.Time
	lastFailure    time.Time
	lastTransition time.Time
	trialInFlight  bool
}

// Breaker holds one circuit per service name.
type Breaker struct {
	cfg   Config
	clock clockwork.Clock
	lg    *zap.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

func New(cfg Config, clock clockwork.Clock, lg *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = def.RollingWindow
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Breaker{
		cfg:      cfg,
		clock:    clock,
		lg:       lg.Named("circuit"),
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) get(service string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[service]
	if !ok {
		c = &circuit{state: Closed, lastTransition: b.clock.Now()}
		b.circuits[service] = c
	}
	return c
}

// CanExecute reports whether a call to service may proceed and returns the
// permit its outcome must be reported with. An open breaker whose cool-down
// has elapsed moves to HalfOpen and lets exactly one trial call through;
// further calls are refused until that trial reports back.
func (b *Breaker) CanExecute(service string) (Permit, bool) {
	c := b.get(service)
	now := b.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Closed:
		return c.permit(service), true
	case Open:
		if now.Sub(c.lastTransition) < b.cfg.CoolDown {
			return Permit{}, false
		}
		b.transition(service, c, HalfOpen, now)
		c.trialInFlight = true
		return c.permit(service), true
	case HalfOpen:
		if c.trialInFlight {
			return Permit{}, false
		}
		c.trialInFlight = true
		return c.permit(service), true
	}
	return Permit{}, false
}

// RecordSuccess closes a half-open breaker and clears the failure history.
func (b *Breaker) RecordSuccess(p Permit) {
	c := b.get(p.Service)
	now := b.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(p) {
		return
	}
	c.trialInFlight = false
	switch c.state {
	case HalfOpen:
		b.transition(p.Service, c, Closed, now)
		c.failures = nil
	case Closed:
		c.failures = nil
	}
}

// RecordFailure counts a failure. Reaching the threshold within the rolling
// window opens the breaker; a failed half-open trial reopens it.
func (b *Breaker) RecordFailure(p Permit) {
	c := b.get(p.Service)
	now := b.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(p) {
		return
	}
	c.trialInFlight = false
	c.lastFailure = now

	switch c.state {
	case HalfOpen:
		b.transition(p.Service, c, Open, now)
	case Closed:
		c.failures = append(pruneBefore(c.failures, now.Add(-b.cfg.RollingWindow)), now)
		if len(c.failures) >= b.cfg.FailureThreshold {
			b.transition(p.Service, c, Open, now)
		}
	}
}

// Abandon releases a half-open trial slot for a call that never produced an
// outcome, e.g. because it was cancelled before reaching the backend.
func (b *Breaker) Abandon(p Permit) {
	c := b.get(p.Service)
	c.mu.Lock()
	if c.current(p) {
		c.trialInFlight = false
	}
	c.mu.Unlock()
}

func (c *circuit) permit(service string) Permit {
	return Permit{Service: service, generation: c.generation}
}

// current reports whether p was issued since the last state change.
func (c *circuit) current(p Permit) bool {
	return p.generation == c.generation
}

// State returns the current state of service without side effects.
func (b *Breaker) State(service string) State {
	c := b.get(service)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the status of every known service.
func (b *Breaker) Snapshot() map[string]Status {
	b.mu.Lock()
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)

	now := b.clock.Now()
	out := make(map[string]Status, len(names))
	for _, name := range names {
		c := b.get(name)
		c.mu.Lock()
		failures := len(pruneBefore(c.failures, now.Add(-b.cfg.RollingWindow)))
		out[name] = Status{
			State:          c.state,
			Failures:       failures,
			LastFailure:    c.lastFailure,
			LastTransition: c.lastTransition,
		}
		c.mu.Unlock()
	}
	return out
}

func (b *Breaker) transition(service string, c *circuit, to State, now time.Time) {
	if c.state == to {
		return
	}
	b.lg.Info("Circuit state change",
		zap.String("service", service),
		zap.Stringer("from", c.state),
		zap.Stringer("to", to),
	)
	c.state = to
	c.lastTransition = now
	c.generation++
}

// pruneBefore drops timestamps at or before cutoff. ts is in ascending order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
