package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"buildsched/internal/calendar"
	"buildsched/internal/changes"
)

// Validate rejects a config that could not be turned into a running app:
// unknown drivers, duplicate or malformed scheduler declarations,
// unsatisfiable calendars, bad file patterns, bad cron expressions.
// It is also installed as the reload validator so a broken edit never
// replaces a good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if s := cfg.Storage; s != nil {
		switch strings.TrimSpace(s.Driver) {
		case "", "memory":
		case "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage: sqlite driver needs a path")
			}
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				return err
			}
		case "postgres":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage: postgres driver needs a dsn")
			}
		default:
			return fmt.Errorf("storage: unknown driver %q", s.Driver)
		}
	}

	if j := cfg.Janitor; j != nil && j.Enabled {
		if sched := strings.TrimSpace(j.Schedule); sched != "" {
			if _, err := cron.ParseStandard(sched); err != nil {
				return fmt.Errorf("janitor.schedule: %w", err)
			}
		}
		if _, err := ParseDurationField("janitor.change_retention", j.ChangeRetention); err != nil {
			return err
		}
		if _, err := ParseDurationField("janitor.buildset_retention", j.BuildsetRetention); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(cfg.Schedulers))
	for i := range cfg.Schedulers {
		sc := &cfg.Schedulers[i]
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("schedulers[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("schedulers: duplicate name %q", name)
		}
		seen[name] = struct{}{}

		if len(sc.Builders) == 0 {
			return fmt.Errorf("scheduler %q: builders must not be empty", name)
		}

		switch sc.Kind {
		case "nightly":
			if strings.TrimSpace(sc.Period) != "" {
				return fmt.Errorf("scheduler %q: period is only valid for kind periodic", name)
			}
			if _, err := sc.CalendarSpec(); err != nil {
				return fmt.Errorf("scheduler %q: %w", name, err)
			}
		case "periodic":
			d, err := ParseDurationField(fmt.Sprintf("scheduler %q: period", name), sc.Period)
			if err != nil {
				return err
			}
			if d <= 0 {
				return fmt.Errorf("scheduler %q: periodic kind needs a positive period", name)
			}
			if sc.hasCalendarFields() {
				return fmt.Errorf("scheduler %q: calendar fields are only valid for kind nightly", name)
			}
			if sc.OnlyIfChanged {
				return fmt.Errorf("scheduler %q: only_if_changed requires kind nightly", name)
			}
		default:
			return fmt.Errorf("scheduler %q: unknown kind %q", name, sc.Kind)
		}

		if !sc.OnlyIfChanged && (len(sc.ImportantFiles) > 0 || len(sc.UnimportantFiles) > 0) {
			return fmt.Errorf("scheduler %q: file patterns require only_if_changed", name)
		}
		if _, err := sc.FileJudge(); err != nil {
			return fmt.Errorf("scheduler %q: %w", name, err)
		}
	}
	return nil
}

func (sc *SchedulerConfig) hasCalendarFields() bool {
	return sc.Minute != nil || sc.Hour != nil || sc.DayOfMonth != nil ||
		sc.Month != nil || sc.DayOfWeek != nil || strings.TrimSpace(sc.Timezone) != ""
}

// CalendarSpec materializes the declared calendar fields. An omitted minute
// defaults to 0 so a bare nightly declaration means "daily at midnight", not
// "every minute"; every other omitted field is a wildcard.
func (sc *SchedulerConfig) CalendarSpec() (calendar.Spec, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return calendar.Spec{}, fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}
	minute := calendar.Single(0)
	if sc.Minute != nil {
		minute = sc.Minute.toField()
	}
	return calendar.New(
		minute,
		fieldOr(sc.Hour),
		fieldOr(sc.DayOfMonth),
		fieldOr(sc.Month),
		fieldOr(sc.DayOfWeek),
		loc,
	)
}

// FileJudge builds the importance judge from the declared patterns; nil when
// no patterns are declared, which means every on-branch change is important.
func (sc *SchedulerConfig) FileJudge() (changes.Judge, error) {
	if len(sc.ImportantFiles) == 0 && len(sc.UnimportantFiles) == 0 {
		return nil, nil
	}
	j, err := changes.NewFileJudge(sc.ImportantFiles, sc.UnimportantFiles)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (f *CalendarField) toField() calendar.Field {
	if f == nil || f.Any {
		return calendar.Wildcard()
	}
	return calendar.List(f.Values...)
}

func fieldOr(f *CalendarField) calendar.Field {
	if f == nil {
		return calendar.Wildcard()
	}
	return f.toField()
}
