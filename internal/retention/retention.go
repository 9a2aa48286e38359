package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"voxsynq/pkg/config"
	"voxsynq/pkg/logger"
	"voxsynq/pkg/state"
	"voxsynq/pkg/store"
)

// Retention purges aged call-history records and message tombstones on
// a cron schedule. The purge cutoff is now minus the configured period.

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, eff config.Effective, st *store.Store) (context.CancelFunc, error) {
	ret := eff.Config.Retention

	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	retentionPath := state.PathsVar.Retention
	if err := os.MkdirAll(retentionPath, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", retentionPath, "error", err)
		return nil, err
	}

	// empty cron maps to daily @02:00
	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	period := ret.Period.Duration()
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", period.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, period, cronExpr)
	return cancel, nil
}

// RunOnce performs a single purge with the given period. Exposed so
// admin tooling can trigger retention outside the schedule.
func RunOnce(st *store.Store, period time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-period).UnixNano()
	return st.PurgeAged(cutoff)
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, st *store.Store, period time.Duration, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			n, err := RunOnce(st, period)
			if err != nil {
				logger.Error("retention_run_error", "error", err)
				continue
			}
			logger.Info("retention_run_complete", "purged", n)
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}
