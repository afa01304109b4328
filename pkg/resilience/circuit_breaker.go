package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// CircuitBreaker wraps sony/gobreaker with typed execution and a pluggable
// failure classifier.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32        // Max requests in half-open state
	Interval     time.Duration // Cyclic period for clearing counts
	Timeout      time.Duration // Period of open state before half-open
	FailureRatio float64       // Failure ratio to trip the breaker
	MinRequests  uint32        // Minimum requests before evaluating
	// IsFailure decides which errors count against the breaker.
	// nil counts every non-nil error.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}

	return &CircuitBreaker{
		cb:   gobreaker.NewCircuitBreaker(settings),
		name: cfg.Name,
	}
}

// Execute runs fn under cb. An open breaker yields ErrCircuitOpen and a
// saturated half-open breaker yields ErrTooManyRequests.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	result, err := cb.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return zero, ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, ErrTooManyRequests
	}
	// fn's value is returned alongside its error so callers can inspect both.
	if result == nil {
		return zero, err
	}
	return result.(T), err
}

func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

func (c *CircuitBreaker) Name() string {
	return c.name
}
