// Package circuitbreaker stops the dispatcher from hammering a channel
// provider that is already failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open      consecutive failures reach MaxFailures
//	Open     -> HalfOpen  RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed    a probe succeeds
//	HalfOpen -> Open      a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", text)
}

// ErrCircuitOpen is returned while a breaker is rejecting attempts.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name is the channel the breaker guards ("EMAIL", "SMS").
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange, when set, is called after every transition with the
	// lock released.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Snapshot is a point-in-time view of one breaker, reported on /health.
type Snapshot struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Attempts            int64      `json:"attempts"`
	Failures            int64      `json:"failures"`
	Rejected            int64      `json:"rejected"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	Since               time.Time  `json:"since"`
}

// Breaker counts consecutive failed attempts against one channel provider.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	streak      int
	lastFailure time.Time
	since       time.Time
	probes      int

	attempts int64
	failures int64
	rejected int64
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	return &Breaker{
		config: cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
		since:  time.Now(),
	}
}

// WithClock replaces the time source. Tests use it to skip the recovery wait.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.since = now()
	b.mu.Unlock()
	return b
}

func (b *Breaker) Name() string { return b.config.Name }

// Allow reports whether an attempt may go through right now. Once the
// recovery timeout has passed, an open breaker lets HalfOpenMaxRequests
// probes through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
		b.moveTo(StateHalfOpen)
	}

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.probes < b.config.HalfOpenMaxRequests {
			b.probes++
			allowed = true
		}
	}
	if allowed {
		b.attempts++
	} else {
		b.rejected++
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.logger.Info("circuit breaker probing provider")
		b.notify(from, to)
	}
	return allowed
}

// RecordSuccess ends the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.streak = 0
	from := b.state
	if b.state == StateHalfOpen {
		b.moveTo(StateClosed)
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.logger.Info("circuit breaker closed, provider recovered")
		b.notify(from, to)
	}
}

// RecordFailure extends the failure streak. A failed probe reopens the
// breaker at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.streak++
	b.lastFailure = b.now()
	from := b.state
	if (b.state == StateClosed && b.streak >= b.config.MaxFailures) || b.state == StateHalfOpen {
		b.moveTo(StateOpen)
	}
	to, streak := b.state, b.streak
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit breaker opened",
			zap.Int("failures", streak),
			zap.Int("threshold", b.config.MaxFailures),
			zap.Stringer("from", from),
		)
		b.notify(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                b.config.Name,
		State:               b.state,
		ConsecutiveFailures: b.streak,
		Attempts:            b.attempts,
		Failures:            b.failures,
		Rejected:            b.rejected,
		Since:               b.since,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailure = &last
	}
	return s
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.since = b.now()
	b.probes = 0
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
