// Package circuitbreaker isolates repeatedly failing engines.
//
// Each engine gets an independent breaker with the classic three states:
// closed (requests flow), open (requests rejected until a reset timeout),
// and half-open (a bounded number of trial requests decide recovery).
// The breaker answers "is this engine too broken to try right now"; the
// rate-limit manager answers "is this engine parked until a known time".
// The two signals stay separate and are composed by the fallback executor.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// EventType identifies breaker notifications.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventRequestAllowed  EventType = "request_allowed"
	EventRequestRejected EventType = "request_rejected"
	EventFailure         EventType = "failure"
	EventSuccess         EventType = "success"
)

// Event is a breaker notification.
type Event struct {
	Type     EventType
	EngineID string
	From     State
	To       State
	Err      error
	Time     time.Time
}

// Listener receives breaker events. Panics in listeners are swallowed.
type Listener func(Event)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold opens the breaker once this many failures land
	// inside FailureWindow.
	FailureThreshold int

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int

	// ResetTimeout is how long an open breaker waits before allowing
	// trial requests.
	ResetTimeout time.Duration

	// FailureWindow bounds the sliding window of counted failures.
	FailureWindow time.Duration

	// HalfOpenMaxRequests caps concurrent trial requests while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig is used when no per-engine override exists.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		ResetTimeout:        30 * time.Second,
		FailureWindow:       2 * time.Minute,
		HalfOpenMaxRequests: 1,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
}

// Breaker tracks failures for a single engine.
type Breaker struct {
	engineID string
	cfg      Config
	now      func() time.Time
	emit     func(Event)

	mu                   sync.Mutex
	state                State
	failures             []time.Time
	consecutiveSuccesses int
	halfOpenInFlight     int
	openedAt             time.Time
	closedAt             time.Time
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	EngineID             string
	State                State
	RecentFailures       int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	ClosedAt             time.Time
}

func newBreaker(engineID string, cfg Config, now func() time.Time, emit func(Event)) *Breaker {
	cfg.setDefaults()
	return &Breaker{
		engineID: engineID,
		cfg:      cfg,
		now:      now,
		emit:     emit,
		state:    StateClosed,
		closedAt: now(),
	}
}

// AllowRequest reports whether a request may proceed. While half-open it
// reserves a trial slot; the caller must report the outcome via
// RecordSuccess or RecordFailure.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeTransitionLocked()

	switch b.state {
	case StateClosed:
		b.emit(Event{Type: EventRequestAllowed, EngineID: b.engineID, Time: b.now()})
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			b.emit(Event{Type: EventRequestAllowed, EngineID: b.engineID, Time: b.now()})
			return true
		}
		b.emit(Event{Type: EventRequestRejected, EngineID: b.engineID, Time: b.now()})
		return false
	default:
		b.emit(Event{Type: EventRequestRejected, EngineID: b.engineID, Time: b.now()})
		return false
	}
}

// RecordFailure counts a failure. In the closed state the sliding window is
// pruned and the breaker opens at the threshold; any half-open failure
// reopens immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeTransitionLocked()
	now := b.now()
	b.emit(Event{Type: EventFailure, EngineID: b.engineID, Err: err, Time: now})

	switch b.state {
	case StateClosed:
		b.consecutiveSuccesses = 0
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transitionLocked(StateOpen)
	}
}

// RecordSuccess counts a success. Enough consecutive half-open successes
// close the breaker and clear the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeTransitionLocked()
	b.emit(Event{Type: EventSuccess, EngineID: b.engineID, Time: b.now()})

	switch b.state {
	case StateClosed:
		b.consecutiveSuccesses++
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.failures = nil
			b.transitionLocked(StateClosed)
		}
	}
}

// Release returns a half-open trial slot without recording an outcome.
// Used when a request was allowed but resolved outside the engine (auth
// miss, provider rate limit) and says nothing about engine health.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// State returns the current state, applying the open -> half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	b.pruneLocked(b.now())
	return Snapshot{
		EngineID:             b.engineID,
		State:                b.state,
		RecentFailures:       len(b.failures),
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		ClosedAt:             b.closedAt,
	}
}

// maybeTransitionLocked moves open -> half_open once the reset timeout has
// elapsed. Called on every read access so the transition is a pure function
// of the clock.
func (b *Breaker) maybeTransitionLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	now := b.now()
	switch to {
	case StateOpen:
		b.openedAt = now
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.consecutiveSuccesses = 0
	case StateClosed:
		b.closedAt = now
	}
	b.emit(Event{Type: EventStateChange, EngineID: b.engineID, From: from, To: to, Time: now})
}

// Manager hands out per-engine breakers.
type Manager struct {
	defaults  Config
	overrides map[string]Config
	now       func() time.Time

	mu        sync.Mutex
	breakers  map[string]*Breaker
	listeners []Listener
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults overrides the global breaker defaults.
func WithDefaults(cfg Config) ManagerOption {
	return func(m *Manager) { m.defaults = cfg }
}

// WithEngineConfig sets a per-engine override.
func WithEngineConfig(engineID string, cfg Config) ManagerOption {
	return func(m *Manager) { m.overrides[engineID] = cfg }
}

// WithManagerClock injects a clock for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a breaker manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Breaker returns (creating on first use) the breaker for engineID.
func (m *Manager) Breaker(engineID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[engineID]; ok {
		return b
	}
	cfg, ok := m.overrides[engineID]
	if !ok {
		cfg = m.defaults
	}
	b := newBreaker(engineID, cfg, m.now, m.dispatch)
	m.breakers[engineID] = b
	return b
}

// Subscribe registers a listener for all breaker events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Snapshots returns a view of every known breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("Circuit breaker listener panicked", "engine", ev.EngineID, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}
