package agents

import (
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// CircuitState is the state of one capability's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return "unknown"
}

// CircuitBreakerConfig applies to every capability behind a Router.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables breaking.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before letting trials through.
	Cooldown time.Duration
	// HalfOpenMax bounds the trials admitted while half-open. Defaults to 1.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Agent               string        `json:"agent"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown"`
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
}

// Breakers keeps one circuit breaker per capability id. An open circuit is
// reported as a retryable CIRCUIT_OPEN error so the step executor treats it
// like any transient agent failure.
type Breakers struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu  sync.Mutex
	all map[string]*breaker
}

// NewBreakers creates a Breakers applying cfg to every capability. A
// non-positive HalfOpenMax becomes 1.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{cfg: cfg, now: time.Now, all: make(map[string]*breaker)}
}

func (b *Breakers) get(agentID string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.all[agentID]
	if br == nil {
		br = &breaker{}
		b.all[agentID] = br
	}
	return br
}

// cool moves an open breaker whose cooldown elapsed to half-open. Caller holds br.mu.
func (b *Breakers) cool(br *breaker) {
	if br.state == CircuitOpen && b.now().Sub(br.openedAt) >= b.cfg.Cooldown {
		br.state = CircuitHalfOpen
		br.trials = 0
	}
}

// Allow admits or rejects a call to agentID. While half-open only
// HalfOpenMax trials are admitted until one of them reports back.
func (b *Breakers) Allow(agentID string) error {
	if b.cfg.FailureThreshold <= 0 {
		return nil
	}
	br := b.get(agentID)
	br.mu.Lock()
	defer br.mu.Unlock()

	b.cool(br)
	switch br.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(br.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"agent %q unavailable after %d consecutive failures", agentID, br.failures).
			AsRetryable().
			WithDetails(map[string]any{
				"agent":                agentID,
				"consecutive_failures": br.failures,
				"retry_in":             remaining.String(),
			})
	case CircuitHalfOpen:
		if br.trials >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"agent %q is being retried, try again later", agentID).AsRetryable()
		}
		br.trials++
	}
	return nil
}

// Success closes the circuit.
func (b *Breakers) Success(agentID string) {
	br := b.get(agentID)
	br.mu.Lock()
	br.state, br.failures, br.trials = CircuitClosed, 0, 0
	br.mu.Unlock()
}

// Release returns the half-open slot of a call that ended without an outcome,
// such as one cancelled by its caller. The circuit state is unchanged.
func (b *Breakers) Release(agentID string) {
	br := b.get(agentID)
	br.mu.Lock()
	if br.state == CircuitHalfOpen && br.trials > 0 {
		br.trials--
	}
	br.mu.Unlock()
}

// Failure counts a failed call and returns the resulting state. A failed
// trial reopens the circuit immediately.
func (b *Breakers) Failure(agentID string) CircuitState {
	br := b.get(agentID)
	br.mu.Lock()
	defer br.mu.Unlock()

	br.failures++
	tripped := b.cfg.FailureThreshold > 0 && br.failures >= b.cfg.FailureThreshold
	if br.state == CircuitHalfOpen || tripped {
		br.state = CircuitOpen
		br.openedAt = b.now()
	}
	return br.state
}

// State returns the current state of agentID's circuit.
func (b *Breakers) State(agentID string) CircuitState {
	br := b.get(agentID)
	br.mu.Lock()
	defer br.mu.Unlock()
	b.cool(br)
	return br.state
}

// Snapshot describes agentID's breaker.
func (b *Breakers) Snapshot(agentID string) BreakerSnapshot {
	br := b.get(agentID)
	br.mu.Lock()
	defer br.mu.Unlock()
	b.cool(br)
	return BreakerSnapshot{
		Agent:               agentID,
		State:               br.state.String(),
		ConsecutiveFailures: br.failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		Cooldown:            b.cfg.Cooldown,
	}
}
