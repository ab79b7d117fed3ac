package backend

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker around the backend client.
type BreakerConfig struct {
	MaxRequests  uint32        // requests allowed in half-open state
	Interval     time.Duration // reset window for counts in closed state
	Timeout      time.Duration // open -> half-open delay
	MinRequests  uint32        // requests needed before the breaker may trip
	FailureRatio float64       // trip when failures/requests reaches this ratio
}

// DefaultBreakerConfig returns the defaults used by the daemon.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// BreakerClient wraps a Client with the circuit breaker pattern so a dead
// backend is not hammered by every push event. Rejected calls surface as
// TransportError and are handled like any other failed fetch.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker[any]
	name string
	log  zerolog.Logger
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Client, cfg BreakerConfig, log zerolog.Logger) *BreakerClient {
	b := &BreakerClient{
		next: next,
		name: "backend-api",
		log:  log.With().Str("component", "breaker").Logger(),
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		// Only transport failures count; a malformed body or an unknown
		// node says nothing about backend health.
		IsSuccessful: func(err error) bool {
			var te *TransportError
			if !errors.As(err, &te) {
				return true
			}
			return te.StatusCode >= 400 && te.StatusCode < 500
		},
	})

	return b
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](b *BreakerClient, op string, fn func() (T, error)) (T, error) {
	var zero T
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BackendRequests.WithLabelValues(op, "rejected").Inc()
			return zero, &TransportError{Op: op, URL: b.name, Err: err}
		}
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, &TransportError{Op: op, URL: b.name, Err: errors.New("unexpected result type")}
	}
	return typed, nil
}

// ListNodes implements Client.
func (b *BreakerClient) ListNodes(ctx context.Context) ([]string, error) {
	return execute(b, "nodes", func() ([]string, error) {
		return b.next.ListNodes(ctx)
	})
}

// GetNode implements Client.
func (b *BreakerClient) GetNode(ctx context.Context, id string, addHistory bool) (*protocol.NodeSnapshot, error) {
	return execute(b, "node", func() (*protocol.NodeSnapshot, error) {
		return b.next.GetNode(ctx, id, addHistory)
	})
}

// GetHistory implements Client.
func (b *BreakerClient) GetHistory(ctx context.Context, id string, start time.Time, stepS int) ([]protocol.Sample, error) {
	return execute(b, "history", func() ([]protocol.Sample, error) {
		return b.next.GetHistory(ctx, id, start, stepS)
	})
}

// GetDashboardConfig implements Client.
func (b *BreakerClient) GetDashboardConfig(ctx context.Context) ([]protocol.WidgetConfigEntry, error) {
	return execute(b, "config", func() ([]protocol.WidgetConfigEntry, error) {
		return b.next.GetDashboardConfig(ctx)
	})
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
