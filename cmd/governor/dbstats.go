package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func collectDBPoolStats(db dbStatsProvider, governorID string, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(governorID).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(governorID).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(governorID).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(governorID).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(governorID).Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, governorID string, intervalMS int, logger *slog.Logger) {
	if db == nil || intervalMS <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, governorID, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, governorID, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}
