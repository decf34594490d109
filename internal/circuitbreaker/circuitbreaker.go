// Package circuitbreaker implements the circuit breaker pattern for failure
// protection. It prevents a failing model provider from consuming the full
// request and latency budget on every call by failing fast once unhealthy.
//
// States:
//   - Closed: normal operation, calls pass through
//   - Open: dependency unhealthy, calls rejected immediately
//   - Half-Open: testing recovery, a limited number of trial calls allowed
//
// Which errors count as failures is decided by a caller-supplied classifier;
// caller-input errors and cancellations must not trip the breaker.
//
// Implementations:
//   - InMemoryBreaker: single-instance, uses sync.Mutex
//   - RedisBreaker: distributed, uses Redis with Lua scripts for atomicity
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
)

// Breaker is the per-dependency state machine. Allow reports whether a call
// may proceed; RecordSuccess/RecordFailure feed the outcome back.
type Breaker interface {
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // testing recovery
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

// Classifier decides whether an error counts toward opening the circuit.
// Required configuration: there is no sane default that can distinguish a
// provider outage from a malformed task.
type Classifier func(error) bool

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes to close
	OpenTimeout      time.Duration // time before transitioning to half-open
	MaxHalfOpenCalls int           // trial calls allowed in half-open; defaults to SuccessThreshold
	IsFailure        Classifier
}

func (c Config) maxHalfOpen() int {
	if c.MaxHalfOpenCalls > 0 {
		return c.MaxHalfOpenCalls
	}
	return c.SuccessThreshold
}

// InMemoryBreaker tracks a single dependency's health within one process.
type InMemoryBreaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	halfOpenCalls  int
	lastTransition time.Time
	config         Config
	onStateChange  func(from, to State)
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
	if cb.onStateChange != nil && from != to {
		go cb.onStateChange(from, to)
	}
}

func (cb *InMemoryBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(cb.lastTransition)
		if elapsed < cb.config.OpenTimeout {
			return &domain.CircuitOpenError{RetryAfter: cb.config.OpenTimeout - elapsed}
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.maxHalfOpen() {
			return &domain.CircuitOpenError{RetryAfter: cb.config.OpenTimeout}
		}
		cb.halfOpenCalls++
		return nil
	}

	return nil
}

func (cb *InMemoryBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *InMemoryBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

func (cb *InMemoryBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *InMemoryBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Registry manages one breaker per dependency, created lazily on first use.
// Lookup takes a read lock only, so unrelated dependencies never contend.
type Registry struct {
	mu            sync.RWMutex
	breakers      map[string]Breaker
	config        Config
	factory       func(dependency string) Breaker
	onStateChange func(dependency string, from, to State)
}

type RegistryOption func(*Registry)

// WithRedis configures the registry to use Redis-backed breakers, sharing
// dependency health across instances. Costs a Redis round trip per decision
// and adds Redis itself as a failure mode; breakers fall back to in-memory
// when Redis is unreachable at construction.
func WithRedis(redisURL string) RegistryOption {
	return func(r *Registry) {
		r.factory = func(dependency string) Breaker {
			cb, err := NewRedis(redisURL, dependency, r.config)
			if err != nil {
				return r.newInMemory(dependency)
			}
			return cb
		}
	}
}

// WithStateChangeHook registers a callback invoked on every state
// transition, used for operator notifications and metrics.
func WithStateChangeHook(fn func(dependency string, from, to State)) RegistryOption {
	return func(r *Registry) {
		r.onStateChange = fn
	}
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]Breaker),
		config:   cfg,
	}
	r.factory = r.newInMemory

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) newInMemory(dependency string) Breaker {
	cb := NewInMemory(r.config)
	if r.onStateChange != nil {
		hook := r.onStateChange
		cb.onStateChange = func(from, to State) { hook(dependency, from, to) }
	}
	return cb
}

// Get returns the breaker for a dependency, creating one if needed.
func (r *Registry) Get(dependency string) Breaker {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakers[dependency]; ok {
		return existing
	}

	cb = r.factory(dependency)
	r.breakers[dependency] = cb
	return cb
}

// Reset discards the dependency's breaker, returning it to a fresh closed
// state on next use. Exposed to operators for forcing recovery after a
// known-fixed outage.
func (r *Registry) Reset(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, dependency)
}

// Open reports whether the dependency's circuit is currently open. Used by
// the model selector to skip providers that would reject the call anyway.
func (r *Registry) Open(dependency string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return cb.State(context.Background()) == StateOpen
}

// Do runs op through the dependency's breaker. When the circuit is open the
// op is never invoked and a *domain.CircuitOpenError is returned. The
// outcome is classified by the configured Classifier before being recorded.
func (r *Registry) Do(ctx context.Context, dependency string, op func(ctx context.Context) error) error {
	cb := r.Get(dependency)

	if err := cb.Allow(ctx); err != nil {
		var openErr *domain.CircuitOpenError
		if errors.As(err, &openErr) {
			openErr.Dependency = dependency
		}
		return err
	}

	err := op(ctx)
	if err != nil && r.config.IsFailure != nil && r.config.IsFailure(err) {
		cb.RecordFailure(ctx)
	} else {
		cb.RecordSuccess(ctx)
	}
	return err
}

// States returns the current state of all known breakers.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string, len(r.breakers))
	for dep, cb := range r.breakers {
		states[dep] = cb.State(ctx).String()
	}
	return states
}
