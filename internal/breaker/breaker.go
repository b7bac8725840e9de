// Package breaker implements a three-state circuit breaker: a rolling
// outcome window trips CLOSED to OPEN, a cooldown admits HALF_OPEN
// probes one at a time, and observers may register open/close
// callbacks.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call when the breaker is OPEN.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config configures a Breaker's thresholds.
type Config struct {
	FailureThreshold float64       // rolling failure rate that trips CLOSED -> OPEN, default 0.5
	TimeoutSeconds   time.Duration // OPEN -> HALF_OPEN cooldown, default 30s
	SuccessThreshold int           // consecutive HALF_OPEN successes to close, default 3
	WindowSize       int           // rolling window sample count, default 20
}

// DefaultConfig returns the breaker's default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   30 * time.Second,
		SuccessThreshold: 3,
		WindowSize:       20,
	}
}

// Breaker isolates calls to a single upstream dependency.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	window []bool // true = success; fixed-size ring
	cursor int
	filled int

	openedAt              time.Time
	halfOpenSuccess       int
	halfOpenProbeInFlight bool

	onOpen  []func()
	onClose []func()
}

// New creates a Breaker with cfg (zero-valued fields fall back to
// DefaultConfig's values).
func New(cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = d.TimeoutSeconds
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = d.WindowSize
	}
	return &Breaker{
		cfg:    cfg,
		state:  Closed,
		window: make([]bool, cfg.WindowSize),
	}
}

// OnOpen registers a callback fired every time the breaker transitions
// to OPEN.
func (b *Breaker) OnOpen(fn func()) { b.mu.Lock(); b.onOpen = append(b.onOpen, fn); b.mu.Unlock() }

// OnClose registers a callback fired every time the breaker transitions
// to CLOSED.
func (b *Breaker) OnClose(fn func()) { b.mu.Lock(); b.onClose = append(b.onClose, fn); b.mu.Unlock() }

// State returns the breaker's current state, resolving an expired OPEN
// cooldown into HALF_OPEN as a side effect (mirrors admit's semantics
// without consuming a probe slot).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpenLocked()
	return b.state
}

// OpenSince reports when the breaker last transitioned to OPEN, and
// false if it is not currently open. Used by callers (e.g. the
// orchestrator's health view) that alarm on a circuit staying open too
// long.
func (b *Breaker) OpenSince() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}, false
	}
	return b.openedAt, true
}

func (b *Breaker) maybeExpireOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.TimeoutSeconds {
		b.state = HalfOpen
		b.halfOpenSuccess = 0
	}
}

// Call executes fn under the breaker: fails fast with ErrCircuitOpen
// when OPEN, admits exactly one outstanding probe at a time when
// HALF_OPEN, and otherwise runs fn with ctx's deadline — expiry counts
// as a failure in the rolling window.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	b.recordOutcome(err == nil)
	return err
}

// admit reports whether a call may proceed right now, per state.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpenLocked()
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		// admit exactly one probe at a time: treat entry as reserving the
		// slot until its outcome is recorded.
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		if !success {
			b.transitionToOpenLocked()
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionToClosedLocked()
		}
		return
	case Open:
		// Outcome from a stale in-flight call after we already reopened;
		// ignore for state purposes but still age the window.
		b.pushWindowLocked(success)
		return
	default: // Closed
		b.pushWindowLocked(success)
		if b.filled < b.cfg.WindowSize {
			return
		}
		failures := 0
		for _, s := range b.window {
			if !s {
				failures++
			}
		}
		rate := float64(failures) / float64(len(b.window))
		if rate > b.cfg.FailureThreshold {
			b.transitionToOpenLocked()
		}
	}
}

func (b *Breaker) pushWindowLocked(success bool) {
	b.window[b.cursor] = success
	b.cursor = (b.cursor + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) transitionToOpenLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.halfOpenProbeInFlight = false
	cbs := append([]func(){}, b.onOpen...)
	go func() {
		for _, cb := range cbs {
			cb()
		}
	}()
}

func (b *Breaker) transitionToClosedLocked() {
	b.state = Closed
	b.openedAt = time.Time{}
	for i := range b.window {
		b.window[i] = false
	}
	b.cursor, b.filled = 0, 0
	cbs := append([]func(){}, b.onClose...)
	go func() {
		for _, cb := range cbs {
			cb()
		}
	}()
}
