// Package breaker wraps sony/gobreaker with the service's failure taxonomy.
// One breaker guards each external dependency so a dead LLM endpoint fails
// fast instead of tying up workers in retry loops.
package breaker

import (
	"errors"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
)

// Breaker guards calls to one external service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker that opens after cfg.FailureThreshold consecutive
// failures, admits cfg.HalfOpenMaxCalls probes after cfg.RecoveryTimeout,
// and closes again once the probes all succeed.
func New(name string, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes must not poison the breaker.
			return err == nil || fault.Is(err, fault.KindInvalidInput)
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		}
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. When the breaker is open, or the half-open
// probe budget is exhausted, it fails fast with KindServiceUnavailable
// without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.KindServiceUnavailable, err, "breaker %s open", b.name)
	}
	return err
}

// State reports the breaker's current state name for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
