package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"buildsched/internal/config"
	"buildsched/internal/statestore"
	logx "buildsched/pkg/logx"
)

// janitor prunes old changes and buildsets on a cron schedule. Retired
// change verdicts live inside each scheduler's record, so pruning the change
// rows themselves never affects pending fire decisions.
type janitor struct {
	store statestore.Store
	log   logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func newJanitor(store statestore.Store, log logx.Logger) *janitor {
	return &janitor{store: store, log: log}
}

// apply replaces the running schedule with the given config. A nil or
// disabled config stops housekeeping entirely.
func (j *janitor) apply(cfg *config.JanitorConfig) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		j.cron.Stop()
		j.cron = nil
	}
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = "@hourly"
	}
	changeRet, err := config.ParseDurationOrDefault("janitor.change_retention", cfg.ChangeRetention, 30*24*time.Hour)
	if err != nil {
		return err
	}
	buildsetRet, err := config.ParseDurationOrDefault("janitor.buildset_retention", cfg.BuildsetRetention, 90*24*time.Hour)
	if err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.run(changeRet, buildsetRet) }); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	j.log.Info("janitor scheduled",
		logx.String("schedule", schedule),
		logx.Duration("change_retention", changeRet),
		logx.Duration("buildset_retention", buildsetRet))
	return nil
}

func (j *janitor) run(changeRet, buildsetRet time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if changeRet > 0 {
		n, err := j.store.PruneChanges(ctx, time.Now().Add(-changeRet))
		if err != nil {
			j.log.Warn("change prune failed", logx.Err(err))
		} else if n > 0 {
			j.log.Info("old changes pruned", logx.Int64("removed", n))
		}
	}
	if buildsetRet > 0 {
		n, err := j.store.PruneBuildsets(ctx, time.Now().Add(-buildsetRet))
		if err != nil {
			j.log.Warn("buildset prune failed", logx.Err(err))
		} else if n > 0 {
			j.log.Info("old buildsets pruned", logx.Int64("removed", n))
		}
	}
}

// stop halts the schedule and waits for an in-flight run, bounded by ctx.
func (j *janitor) stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		j.log.Warn("janitor stop timed out waiting for in-flight run")
	}
}
