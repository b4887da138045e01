// Package breaker wraps sony/gobreaker behind three named,
// process-global circuit breakers: mail provider (FailMax=5,
// Reset=60s), extractor LLM (FailMax=3, Reset=30s), and KVStore
// (FailMax=10, Reset=30s). Each is a Closed/Open/HalfOpen state
// machine: consecutive failures trip it Open; after ResetTimeout one
// HalfOpen probe is allowed through.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/obsmetrics"
)

// Setting configures one named breaker.
type Setting struct {
	Name         string
	FailMax      uint32
	ResetTimeout time.Duration
}

// Breaker executes calls through a single gobreaker state machine.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log logr.Logger
}

// New builds a Breaker from a Setting. Trips on consecutive failures
// reaching FailMax rather than a failure-rate window.
func New(s Setting, log logr.Logger) *Breaker {
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // exactly one probe call permitted in HalfOpen
		Interval:    0, // never reset the closed-state failure count on a timer; only a successful call does
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailMax
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			obsmetrics.BreakerState.WithLabelValues(name).Set(obsmetrics.BreakerStateValue(to.String()))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st), log: log}
}

// Do executes fn through the breaker. When the breaker is Open, fn is
// never invoked and Do returns an AppError of kind CircuitOpen in well
// under a millisecond.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, appErrors.Wrap(err, appErrors.ErrorTypeCircuitOpen, b.cb.Name()+": circuit open")
		}
		return zero, err
	}
	return result.(T), nil
}

// DoCtx is Do for a context-taking operation, so callers don't need to
// close over ctx manually.
func DoCtx[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	return Do(b, func() (T, error) { return fn(ctx) })
}

// State reports the breaker's current state, mostly for metrics/tests.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Registry holds the three named breakers, built once at process
// startup and threaded through the ApplicationContext.
type Registry struct {
	Mail      *Breaker
	Extractor *Breaker
	KVStore   *Breaker
}

// NewRegistry builds the registry from the three settings.
func NewRegistry(mail, extractor, kvstore Setting, log logr.Logger) *Registry {
	return &Registry{
		Mail:      New(mail, log.WithValues("breaker", "mail")),
		Extractor: New(extractor, log.WithValues("breaker", "extractor")),
		KVStore:   New(kvstore, log.WithValues("breaker", "kvstore")),
	}
}
