// Package circuit provides circuit breakers for the engine's hard and soft
// external dependencies (graph store, relational store, queue, LLM providers,
// external modules).
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing dependency failure patterns.
const (
	Closed   State = iota // Normal operation.
	Open                  // Failing fast, rejecting calls.
	HalfOpen              // Probing whether the dependency has recovered.
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines the failure/recovery thresholds for one dependency's breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before opening.
	HalfOpenProbes   int           `yaml:"half_open_probes"`  // Successful probes required to close from half-open.
	Cooldown         time.Duration `yaml:"cooldown"`          // Time to wait in Open before admitting a probe.
}

// DefaultConfig matches the values from spec.md's error-handling section.
//
//nolint:gochecknoglobals // sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	HalfOpenProbes:   3,
	Cooldown:         30 * time.Second,
}

// Error is returned by a breaker's callers when Allow reports that the
// breaker is rejecting calls.
type Error struct {
	Dependency string
	State      State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Dependency, e.State)
}

// Breaker guards calls to a single external dependency.
type Breaker interface {
	// Allow reports whether a call should proceed given the current state.
	Allow() bool
	// Record reports the outcome of a call that Allow most recently admitted.
	Record(success bool)
	// State returns the current state.
	State() State
	// Reset forces the breaker back to Closed.
	Reset()
}

//nolint:govet // logical field grouping preferred over memory alignment
type breaker struct {
	name            string
	config          Config
	mu              sync.RWMutex
	state           State
	failureCount    int
	probeSuccesses  int
	lastFailureTime time.Time
}

// New creates a breaker for the named dependency (e.g. "graph", "relational",
// "queue", "llm:anthropic", "fetch").
func New(name string, config Config) Breaker {
	return &breaker{name: name, config: config, state: Closed}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = HalfOpen
			b.probeSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		// Admit probes; the caller is expected to serialize half-open traffic.
		return true
	default:
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.probeSuccesses = 0
}

func (b *breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.HalfOpenProbes {
			b.state = Closed
			b.failureCount = 0
			b.probeSuccesses = 0
		}
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		// A single failed probe re-opens immediately.
		b.state = Open
		b.probeSuccesses = 0
	}
}

// Registry holds one breaker per named dependency and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]Breaker
}

// NewRegistry creates a registry that lazily constructs breakers with config.
func NewRegistry(config Config) *Registry {
	return &Registry{config: config, breakers: make(map[string]Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.config)
	r.breakers[name] = b
	return b
}

// Snapshot returns the current state of every known breaker, keyed by name.
// Used by the orchestrator to find an open hard-dependency breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
