package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"buildsched/internal/config"
	"buildsched/internal/scheduler"
	logx "buildsched/pkg/logx"
)

// applySchedulers reconciles the running schedulers against the declared
// list: removed or changed declarations stop their instance, new or changed
// ones start a fresh instance picking up its persisted record. Unchanged
// declarations keep running untouched.
func (a *App) applySchedulers(ctx context.Context, list []config.SchedulerConfig) error {
	desired := make(map[string]config.SchedulerConfig, len(list))
	for _, sc := range list {
		desired[strings.TrimSpace(sc.Name)] = sc
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, run := range a.scheds {
		sc, keep := desired[name]
		if keep && reflect.DeepEqual(run.decl, sc) {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		run.sched.Stop(stopCtx)
		cancel()
		delete(a.scheds, name)
		if !keep {
			a.log.Info("scheduler removed", logx.String("name", name))
		}
	}

	var firstErr error
	for name, sc := range desired {
		if _, running := a.scheds[name]; running {
			continue
		}
		s, err := a.buildScheduler(sc)
		if err != nil {
			// Config was validated before it got here; still, never let one
			// bad declaration block the rest.
			a.log.Error("scheduler build failed", logx.String("name", name), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.Start(ctx)
		a.scheds[name] = &runningScheduler{sched: s, decl: sc}
		a.log.Info("scheduler started",
			logx.String("name", name),
			logx.String("kind", sc.Kind),
			logx.Bool("only_if_changed", sc.OnlyIfChanged))
	}
	return firstErr
}

func (a *App) buildScheduler(sc config.SchedulerConfig) (*scheduler.Scheduler, error) {
	cfg := scheduler.Config{
		Name:          strings.TrimSpace(sc.Name),
		Kind:          scheduler.Kind(sc.Kind),
		Builders:      append([]string(nil), sc.Builders...),
		Branch:        sc.Branch,
		Properties:    sc.Properties,
		OnlyIfChanged: sc.OnlyIfChanged,
	}

	switch sc.Kind {
	case "nightly":
		spec, err := sc.CalendarSpec()
		if err != nil {
			return nil, err
		}
		cfg.Calendar = spec
	case "periodic":
		d, err := config.ParseDurationField(fmt.Sprintf("scheduler %q: period", sc.Name), sc.Period)
		if err != nil {
			return nil, err
		}
		cfg.Period = d
	}

	judge, err := sc.FileJudge()
	if err != nil {
		return nil, err
	}
	cfg.Judge = judge

	return scheduler.New(cfg, scheduler.Deps{
		Store:  a.store,
		Submit: a.submit,
		Bus:    a.bus,
		Log:    a.log.With(logx.String("comp", "scheduler")),
	})
}

// SchedulerNames returns the names of currently running schedulers, for
// status output.
func (a *App) SchedulerNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.scheds))
	for name := range a.scheds {
		names = append(names, name)
	}
	return names
}
