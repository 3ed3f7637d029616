// Package retry provides retry policies with exponential backoff and jitter
// for the engine's external calls (LLM providers, databases, external modules).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"autosint/pkg/resilience/circuit"
)

// Config defines retry behavior for one class of target.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Including the initial attempt.
	InitialDelay  time.Duration `yaml:"initial_delay"`  // Delay before the first retry.
	MaxDelay      time.Duration `yaml:"max_delay"`      // Ceiling on backoff delay.
	BackoffFactor float64       `yaml:"backoff_factor"` // Exponential multiplier.
	Jitter        bool          `yaml:"jitter"`          // Randomize delay to avoid thundering herd.
}

// Default per-target configs, matching spec.md's retry-policy table.
//
//nolint:gochecknoglobals // sensible default config pattern
var (
	DefaultLLMConfig = Config{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
	DefaultDatabaseConfig = Config{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
	DefaultExternalModuleConfig = Config{
		MaxAttempts:   2,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
)

// Classifier determines whether an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier: transient infrastructural errors and
// rate limits are retryable; auth/config, validation, and circuit-open errors
// are not — those taxonomy decisions live closer to the caller (see
// pkg/apitypes.TaxonomyError), this is the fallback for plain errors.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	errStr := err.Error()

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "eof") {
		return true
	}

	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") {
		return true
	}

	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") {
		return false
	}

	return false
}

// Policy pairs a Config with the Classifier used to decide whether a
// particular failure is worth retrying.
//
//nolint:govet // simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy builds a Policy, defaulting to ShouldRetry when classifier is nil.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay returns the backoff delay before the given attempt number
// (attempt 1 is the initial try and always returns 0).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay)) //nolint:gosec // not security-sensitive
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry delegates to the configured Classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Do runs fn, retrying per the policy until it succeeds, the classifier
// rejects the error, attempts are exhausted, or ctx is done.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if delay := p.CalculateDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.ShouldRetry(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
