package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/mhayashi-dev/spreadwheel/internal/broker"
)

// Caller is the awaitable submit-and-wait surface of the bridge. Both the
// raw Worker and the circuit-breaker wrapper satisfy it.
type Caller interface {
	Call(ctx context.Context, timeout time.Duration, op Op) (any, error)
	IsConnected() bool
}

var _ Caller = (*Worker)(nil)
var _ Caller = (*BreakerCaller)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// BreakerCaller wraps a worker so that a run of broker failures opens the
// circuit and fails subsequent calls fast instead of piling tasks onto a
// connection that is clearly unwell.
type BreakerCaller struct {
	worker  *Worker
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerCaller creates a BreakerCaller with sensible defaults.
func NewBreakerCaller(worker *Worker, logger *logrus.Logger) *BreakerCaller {
	return NewBreakerCallerWithSettings(worker, logger, BreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewBreakerCallerWithSettings creates a BreakerCaller with custom settings.
func NewBreakerCallerWithSettings(worker *Worker, logger *logrus.Logger, settings BreakerSettings) *BreakerCaller {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerBridge",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &BreakerCaller{
		worker:  worker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Call routes the operation through the circuit breaker and onto the worker.
func (c *BreakerCaller) Call(ctx context.Context, timeout time.Duration, op Op) (any, error) {
	return c.breaker.Execute(func() (interface{}, error) {
		return c.worker.Call(ctx, timeout, op)
	})
}

// IsConnected reports the underlying worker's connection state.
func (c *BreakerCaller) IsConnected() bool {
	return c.worker.IsConnected()
}

// CallAs submits op through a Caller and waits for a typed result.
func CallAs[T any](ctx context.Context, c Caller, timeout time.Duration, op func(conn broker.Connection) (T, error)) (T, error) {
	var zero T
	res, err := c.Call(ctx, timeout, func(conn broker.Connection) (any, error) {
		return op(conn)
	})
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("bridge: unexpected result type %T", res)
	}
	return v, nil
}
