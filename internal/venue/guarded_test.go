package venue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	calls atomic.Int32
	err   error
}

func (c *countingExecutor) Execute(context.Context, model.RouteExecution) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "exec-id", nil
}

func TestGuarded_PassesThrough(t *testing.T) {
	next := &countingExecutor{}
	g := NewGuarded("guarded-pass", next, GuardConfig{}, slog.Default())

	id, err := g.Execute(context.Background(), sampleExecution(1))

	require.NoError(t, err)
	assert.Equal(t, "exec-id", id)
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VenueCallsTotal.WithLabelValues("guarded-pass", "ok")))
}

func TestGuarded_BreakerOpensAndShortCircuits(t *testing.T) {
	next := &countingExecutor{err: errors.New("slippage exceeded")}
	g := NewGuarded("guarded-breaker", next, GuardConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour},
	}, slog.Default())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Execute(ctx, sampleExecution(uint64(i+1)))
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, g.Breaker().State())
	assert.Equal(t, float64(BreakerOpen), testutil.ToFloat64(metrics.VenueBreakerState.WithLabelValues("guarded-breaker")))

	_, err := g.Execute(ctx, sampleExecution(3))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), next.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VenueCallsTotal.WithLabelValues("guarded-breaker", "breaker_open")))
}

func TestGuarded_RateLimitCancellation(t *testing.T) {
	next := &countingExecutor{}
	g := NewGuarded("guarded-limit", next, GuardConfig{RPS: 0.5, Burst: 1}, slog.Default())

	_, err := g.Execute(context.Background(), sampleExecution(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Execute(ctx, sampleExecution(2))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, BreakerClosed, g.Breaker().State())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VenueRateLimitWaits.WithLabelValues("guarded-limit")))
}
