package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emperorhan/cycle-governor/internal/alert"
	"github.com/emperorhan/cycle-governor/internal/config"
	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/emperorhan/cycle-governor/internal/governor"
	"github.com/emperorhan/cycle-governor/internal/runner"
	"github.com/emperorhan/cycle-governor/internal/store/postgres"
	redispkg "github.com/emperorhan/cycle-governor/internal/store/redis"
	"github.com/emperorhan/cycle-governor/internal/venue"
)

// app is the wired runtime shared by every subcommand that touches governor state.
type app struct {
	machine  *governor.Machine
	runner   *runner.Runner
	venue    *venue.Guarded
	db       *postgres.DB
	evidence *postgres.EvidenceRepo
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var store governor.StateStore = governor.NewMemoryStore()
	recorders := evidence.MultiRecorder{}

	fileRecorder, err := evidence.NewFileRecorder(cfg.Evidence.Dir)
	if err != nil {
		return nil, err
	}
	recorders = append(recorders, fileRecorder)

	if cfg.Governor.StateBackend == config.BackendPostgres {
		db, err := postgres.New(postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if err := db.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		store = postgres.NewGovernorStateRepo(db)
		a.evidence = postgres.NewEvidenceRepo(db)
		recorders = append(recorders, a.evidence)
		logger.Info("postgres state backend enabled")
	}

	a.venue = buildVenue(cfg, logger)

	machine, err := governor.New(governor.Config{
		GovernorID:         cfg.Governor.ID,
		MaxAmountRaw:       cfg.Governor.MaxAmountRaw,
		Cooldown:           cfg.Governor.Cooldown,
		DirectCallers:      cfg.Governor.DirectCallers,
		EmergencyPrincipal: cfg.Governor.EmergencyPrincipal,
	}, store, a.venue, logger)
	if err != nil {
		return nil, fmt.Errorf("create governor: %w", err)
	}
	a.machine = machine

	var locker evidence.Locker = evidence.NewMemoryLocker()
	if cfg.Evidence.LockBackend == config.BackendRedis {
		redisLocker, err := redispkg.NewLocker(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, redisLocker.Close)
		locker = redisLocker
		logger.Info("redis evidence lock enabled", "lock_key", cfg.Evidence.LockKey)
	}

	r, err := runner.New(runner.Config{
		Suite:           cfg.Evidence.Suite,
		ContractAddress: contractAddress(cfg),
		LockKey:         cfg.Evidence.LockKey,
		LockTTL:         cfg.Evidence.LockTTL,
		Interval:        cfg.CycleInterval(),
		Template: runner.CycleTemplate{
			CycleID:   cfg.Autonomous.CycleID,
			Caller:    cfg.Autonomous.Caller,
			AmountRaw: cfg.Autonomous.AmountRaw,
			TokenIn:   cfg.Autonomous.TokenIn,
			TokenOut:  cfg.Autonomous.TokenOut,
			RouteData: []byte(cfg.Autonomous.RouteData),
		},
	}, cfg.PolicyEnv(), machine, locker, recorders, buildAlerter(cfg, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	a.runner = r

	ok = true
	return a, nil
}

func buildVenue(cfg *config.Config, logger *slog.Logger) *venue.Guarded {
	name := cfg.Venue.Name
	if name == "" {
		name = "simulated"
	}
	var next venue.Executor
	switch cfg.Venue.Mode {
	case config.VenueModeHTTP:
		next = venue.NewHTTPVenue(name, cfg.Venue.ExecuteURL, cfg.Venue.Timeout)
	default:
		next = venue.NewSimulated(name)
	}
	return venue.NewGuarded(name, next, venue.GuardConfig{
		RPS:   cfg.Venue.RPS,
		Burst: cfg.Venue.Burst,
		Breaker: venue.BreakerConfig{
			FailureThreshold: cfg.Venue.BreakerFailures,
			OpenTimeout:      cfg.Venue.BreakerOpen,
		},
	}, logger)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

// contractAddress falls back to the governor id so artifacts always name a subject.
func contractAddress(cfg *config.Config) string {
	if addr := strings.TrimSpace(cfg.Governor.ContractAddress); addr != "" {
		return addr
	}
	return cfg.Governor.ID
}
