// Package app wires the daemon together: configuration with hot reload,
// logging, the state store, the build queue, the janitor, and one running
// scheduler per declaration.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"buildsched/internal/buildqueue"
	"buildsched/internal/config"
	"buildsched/internal/eventbus"
	"buildsched/internal/runtime/supervisor"
	"buildsched/internal/scheduler"
	"buildsched/internal/statestore"
	logx "buildsched/pkg/logx"
	"buildsched/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  statestore.Store
	submit buildqueue.Submitter

	jan *janitor

	mu     sync.Mutex
	scheds map[string]*runningScheduler
}

type runningScheduler struct {
	sched *scheduler.Scheduler
	decl  config.SchedulerConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	inner, err := statestore.Open(sc, log.With(logx.String("comp", "statestore")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store := statestore.WithRetry(inner, log.With(logx.String("comp", "statestore")))
	log.Info("storage ready", logx.String("driver", effectiveDriver(sc)))

	submit := buildqueue.New(store, bus, log.With(logx.String("comp", "buildqueue")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		submit:  submit,
		jan:     newJanitor(store, log.With(logx.String("comp", "janitor"))),
		scheds:  map[string]*runningScheduler{},
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config edit that fails validation never
	// replaces the running one.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.applySchedulers(a.sup.Context(), cfg.Schedulers); err != nil {
		return err
	}
	if err := a.jan.apply(cfg.Janitor); err != nil {
		return err
	}

	// Change-arrival fanout: wake classifying schedulers so a change lands in
	// verdicts well before its slot instead of at the next periodic wakeup.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("bus.wake", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.TypeChangeAdded {
					continue
				}
				a.mu.Lock()
				for _, run := range a.scheds {
					run.sched.Poke()
				}
				a.mu.Unlock()
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", systemd.RunWatchdog)

	systemd.NotifyReady()
	a.log.Info("daemon started", logx.Int("schedulers", len(cfg.Schedulers)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	systemd.NotifyStopping()
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding while
	// the ordered steps run.
	a.sup.Cancel()

	a.step(ctx, "janitor", time.Second, func(c context.Context) error {
		a.jan.stop(c)
		return nil
	})
	a.step(ctx, "schedulers", 5*time.Second, func(c context.Context) error {
		a.mu.Lock()
		running := make([]*runningScheduler, 0, len(a.scheds))
		for _, run := range a.scheds {
			running = append(running, run)
		}
		a.scheds = map[string]*runningScheduler{}
		a.mu.Unlock()
		for _, run := range running {
			run.sched.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown stage with an upper bound so a single component
// can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}

			sections, attrs, schedChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				lastApplied = newCfg
				continue
			}
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "storage":
					a.log.Warn("storage config changed; restart required for changes to take effect")
				case "janitor":
					if err := a.jan.apply(newCfg.Janitor); err != nil {
						a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
					}
				case "schedulers":
					a.log.Info("scheduler declarations changed", logx.Any("names", schedChanged))
					if err := a.applySchedulers(ctx, newCfg.Schedulers); err != nil {
						a.log.Warn("scheduler reload failed; some declarations skipped", logx.Err(err))
					}
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func mapStorageConfig(cfg *config.Config) (statestore.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return statestore.Config{}, nil // memory
	}
	s := cfg.Storage
	out := statestore.Config{
		Driver: strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:   strings.TrimSpace(s.Path),
		DSN:    strings.TrimSpace(s.DSN),
	}
	if out.Driver == "sqlite" || out.Driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
		if err != nil {
			return statestore.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

func effectiveDriver(sc statestore.Config) string {
	if strings.TrimSpace(sc.Driver) == "" {
		return "memory"
	}
	return sc.Driver
}
