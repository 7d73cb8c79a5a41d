package tools

import (
	"sync"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-tool circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe invocations allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns five failures, 30s cooldown and one probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// breakerSet tracks one breaker per tool name.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

func newBreakerSet(cfg BreakerConfig) *breakerSet {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &breakerSet{breakers: make(map[string]*breaker), config: cfg, now: time.Now}
}

func (s *breakerSet) allow(tool string) error {
	if s.config.FailureThreshold <= 0 {
		return nil
	}
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if s.now().Sub(b.lastFailure) >= s.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for tool %q after %d consecutive failures", tool, b.failures).
			WithDetails(map[string]any{
				"tool":                 tool,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (s.config.Cooldown - s.now().Sub(b.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= s.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for tool %q: probe in flight", tool)
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (s *breakerSet) success(tool string) {
	if s.config.FailureThreshold <= 0 {
		return
	}
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

func (s *breakerSet) failure(tool string) CircuitState {
	if s.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = s.now()
	if b.state == CircuitHalfOpen || b.failures >= s.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

func (s *breakerSet) state(tool string) CircuitState {
	b := s.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && s.now().Sub(b.lastFailure) >= s.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (s *breakerSet) get(tool string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[tool]
	if !ok {
		b = &breaker{}
		s.breakers[tool] = b
	}
	return b
}
