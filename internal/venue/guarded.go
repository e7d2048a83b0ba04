package venue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/ratelimit"
)

// Executor is the venue contract the governor delegates to.
type Executor interface {
	Execute(ctx context.Context, exec model.RouteExecution) (string, error)
}

// Guarded fronts an Executor with a circuit breaker and a rate limiter.
type Guarded struct {
	name    string
	next    Executor
	breaker *Breaker
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

type GuardConfig struct {
	RPS     float64
	Burst   int
	Breaker BreakerConfig
}

func NewGuarded(name string, next Executor, cfg GuardConfig, logger *slog.Logger) *Guarded {
	logger = logger.With("component", "venue", "venue", name)
	userHook := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(from, to BreakerState) {
		metrics.VenueBreakerState.WithLabelValues(name).Set(float64(to))
		logger.Warn("venue breaker state changed", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}
	metrics.VenueBreakerState.WithLabelValues(name).Set(float64(BreakerClosed))
	return &Guarded{
		name:    name,
		next:    next,
		breaker: NewBreaker(cfg.Breaker),
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst, func() {
			metrics.VenueRateLimitWaits.WithLabelValues(name).Inc()
		}),
		logger: logger,
	}
}

func (g *Guarded) Breaker() *Breaker { return g.breaker }

func (g *Guarded) Execute(ctx context.Context, exec model.RouteExecution) (string, error) {
	if err := g.breaker.Allow(); err != nil {
		metrics.VenueCallsTotal.WithLabelValues(g.name, ratelimit.ClassifyCallError(err)).Inc()
		return "", fmt.Errorf("venue %s: %w", g.name, err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.breaker.Release()
		metrics.VenueCallsTotal.WithLabelValues(g.name, ratelimit.ClassifyCallError(err)).Inc()
		return "", fmt.Errorf("venue %s rate limit: %w", g.name, err)
	}

	id, err := g.next.Execute(ctx, exec)
	g.breaker.Record(err)
	metrics.VenueCallsTotal.WithLabelValues(g.name, ratelimit.ClassifyCallError(err)).Inc()
	if err != nil {
		g.logger.Warn("venue execution failed",
			"governor_id", exec.GovernorID,
			"cycle_id", exec.CycleID,
			"transition_nonce", exec.TransitionNonce,
			"error", err,
		)
		return "", err
	}
	g.logger.Debug("venue execution succeeded", "cycle_id", exec.CycleID, "route_execution_id", id)
	return id, nil
}
