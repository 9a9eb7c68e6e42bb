// Package resilience holds the operational safety nets: circuit breakers
// around the three external services, the dead-letter queue for failed
// batches, and the passive metrics registry.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
)

// Service names the three guarded dependencies.
const (
	ServiceUpstream = "upstream"
	ServiceEmbedder = "embedder"
	ServiceSink     = "sink"
)

const (
	// breakerFailureThreshold trips the breaker after this many
	// consecutive failures.
	breakerFailureThreshold = 5

	// breakerOpenTimeout is how long the breaker stays open before
	// probing with a half-open request.
	breakerOpenTimeout = 30 * time.Second
)

// Breaker guards calls to one external service. A call through an open
// breaker fails immediately with CircuitOpenError; the caller must not
// retry and routes the batch to the DLQ instead.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	metrics *Metrics
}

// NewBreaker builds a breaker for the named service. metrics may be nil.
func NewBreaker(name string, metrics *Metrics) *Breaker {
	b := &Breaker{name: name, metrics: metrics}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Breaker("Breaker %s: %s → %s", name, from, to)
			if metrics != nil {
				metrics.BreakerTransition(name, to.String())
			}
		},
	})
	return b
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// State reports the breaker's current state string (closed/half-open/open).
func (b *Breaker) State() string { return b.cb.State().String() }

// Do runs fn through the breaker. gobreaker's open/too-many-requests
// sentinels are mapped to the typed CircuitOpenError.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &mirrorerr.CircuitOpenError{Service: b.name}
	}
	return err
}
