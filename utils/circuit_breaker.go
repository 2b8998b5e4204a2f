package utils

import (
	"context"
	"sync"
	"time"

	"club-ticketing/internal/status"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Settings tunes one breaker instance. Zero values fall back to defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED -> OPEN.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// that closes the circuit.
	SuccessThreshold int

	// Cooldown is how long an OPEN circuit rejects calls before allowing
	// HALF_OPEN trials.
	Cooldown time.Duration

	// HalfOpenMax bounds the number of trial calls per HALF_OPEN episode.
	HalfOpenMax int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.HalfOpenMax <= 0 {
		s.HalfOpenMax = 3
	}
	return s
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Snapshot is a read-only view for dashboards.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	Forced               bool       `json:"forced"`
}

// CircuitBreaker isolates one external dependency. Calls pass through while
// CLOSED; consecutive failures trip it OPEN, where calls fail fast until the
// cooldown elapses; HALF_OPEN admits a bounded number of trial calls, and
// consecutive successes close it again while any failure reopens it.
// One explicitly constructed instance exists per dependency.
type CircuitBreaker struct {
	name     string
	settings Settings

	mutex                sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenTrials       int
	lastFailure          time.Time
	openedAt             time.Time
	forced               bool

	subs   map[int]chan StateChange
	nextID int

	// now is swappable in tests.
	now func() time.Time
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	return &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		subs:     make(map[int]chan StateChange),
		now:      time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs req through the breaker. While OPEN it returns
// status.ErrCircuitOpen without touching the dependency; once the HALF_OPEN
// trial budget is spent it returns status.ErrTooManyTrials. A panic in req
// counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(false)
			panic(e)
		}
	}()

	result, err := req()
	cb.afterRequest(err == nil)
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.forced || cb.now().Sub(cb.openedAt) < cb.settings.Cooldown {
			return status.ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenTrials = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenTrials >= cb.settings.HalfOpenMax {
			return status.ErrTooManyTrials
		}
		cb.halfOpenTrials++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if success {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.settings.SuccessThreshold {
				cb.setState(StateClosed)
			}
		}
		return
	}

	cb.lastFailure = cb.now()
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateHalfOpen:
		// Any trial failure reopens.
		cb.openedAt = cb.now()
		cb.setState(StateOpen)

	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.settings.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	}
}

// setState transitions and notifies subscribers. Callers hold the mutex.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	if to == StateClosed {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
		cb.halfOpenTrials = 0
	}
	if to == StateHalfOpen {
		cb.consecutiveSuccesses = 0
	}

	change := StateChange{Name: cb.name, From: from, To: to, At: cb.now()}
	for _, ch := range cb.subs {
		select {
		case ch <- change:
		default:
			// Slow subscribers drop transitions rather than block the breaker.
		}
	}
}

// ForceOpen trips the circuit administratively. It stays OPEN, ignoring the
// cooldown, until ForceClose.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.forced = true
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// ForceClose clears a forced or tripped circuit.
func (cb *CircuitBreaker) ForceClose() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.forced = false
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	snap := Snapshot{
		Name:                 cb.name,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		Forced:               cb.forced,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	if cb.state == StateOpen {
		t := cb.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Subscribe registers a state-change listener and returns the channel plus an
// unregister func. The channel is buffered; transitions overflowing the
// buffer are dropped for that subscriber.
func (cb *CircuitBreaker) Subscribe() (<-chan StateChange, func()) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	id := cb.nextID
	cb.nextID++
	ch := make(chan StateChange, 8)
	cb.subs[id] = ch

	cancel := func() {
		cb.mutex.Lock()
		defer cb.mutex.Unlock()
		if c, ok := cb.subs[id]; ok {
			delete(cb.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
