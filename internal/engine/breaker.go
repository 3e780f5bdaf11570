package engine

import (
	"sync"
	"time"
)

// CircuitState is the backpressure circuit position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "OPEN"
	}
}

// DefaultCooldown is how long the circuit stays OPEN before letting a
// probe through.
const DefaultCooldown = 30 * time.Second

// Breaker is the depth-triggered admission circuit. CLOSED admits
// everything below the critical threshold; OPEN rejects; HALF_OPEN
// admits one probe event at a time and decides on its outcome.
type Breaker struct {
	mu sync.Mutex

	state     CircuitState
	changedAt time.Time
	probing   bool

	Warning  int
	Critical int
	Cooldown time.Duration

	rejected int64
	now      func() time.Time
}

// NewBreaker returns a closed breaker with the given depth thresholds.
func NewBreaker(warning, critical int) *Breaker {
	if warning <= 0 {
		warning = 1000
	}
	if critical <= warning {
		critical = warning * 5
	}
	return &Breaker{
		Warning:  warning,
		Critical: critical,
		Cooldown: DefaultCooldown,
		now:      time.Now,
	}
}

// Admit decides whether an event at the given queue depth may enter.
// probe is true when the admission is the HALF_OPEN trial event; the
// caller must report its outcome through RecordProbe.
func (b *Breaker) Admit(depth int) (admitted, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		if depth >= b.Critical {
			b.transition(CircuitOpen)
			b.rejected++
			return false, false
		}
		return true, false

	case CircuitOpen:
		if depth <= b.Warning || b.now().Sub(b.changedAt) >= b.Cooldown {
			b.transition(CircuitHalfOpen)
			b.probing = true
			return true, true
		}
		b.rejected++
		return false, false

	default: // HALF_OPEN
		if b.probing {
			b.rejected++
			return false, false
		}
		b.probing = true
		return true, true
	}
}

// RecordProbe reports the outcome of a probe event. A successful probe
// at a drained queue closes the circuit; a failed or slow probe, or a
// still-critical depth, re-opens it.
func (b *Breaker) RecordProbe(ok bool, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitHalfOpen {
		return
	}
	b.probing = false
	switch {
	case ok && depth <= b.Warning:
		b.transition(CircuitClosed)
	case !ok || depth >= b.Critical:
		b.transition(CircuitOpen)
	}
}

func (b *Breaker) transition(next CircuitState) {
	b.state = next
	b.changedAt = b.now()
	b.probing = false
}

// Snapshot is the breaker's observable state for /metrics.
type BreakerSnapshot struct {
	State    CircuitState
	StateAge time.Duration
	Warning  int
	Critical int
	Rejected int64
}

// Snapshot reads the current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:    b.state,
		StateAge: b.now().Sub(b.changedAt),
		Warning:  b.Warning,
		Critical: b.Critical,
		Rejected: b.rejected,
	}
}
