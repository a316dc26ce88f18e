package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.yaml", `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./buildsched.db
  busy_timeout: 5s
janitor:
  enabled: true
  schedule: "@hourly"
  change_retention: 720h
schedulers:
  - name: nightly-main
    kind: nightly
    builders: [linux, windows]
    branch: main
    minute: [10, 40]
    hour: "*"
    day_of_week: [0, 1, 2, 3, 4]
    only_if_changed: true
    unimportant_files: ["*.md"]
  - name: hourly-smoke
    kind: periodic
    builders: [smoke]
    period: 1h
`)

	cfg, err := NewConfigManager(path).Parse()
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.NotNil(t, cfg.Janitor)
	assert.True(t, cfg.Janitor.Enabled)

	require.Len(t, cfg.Schedulers, 2)
	sc := cfg.Schedulers[0]
	assert.Equal(t, "nightly-main", sc.Name)
	assert.Equal(t, []int{10, 40}, sc.Minute.Values)
	assert.True(t, sc.Hour.Any)
	assert.Nil(t, sc.DayOfMonth, "omitted field stays nil")
	assert.True(t, sc.OnlyIfChanged)

	judge, err := sc.FileJudge()
	require.NoError(t, err)
	require.NotNil(t, judge)

	assert.Equal(t, "1h", cfg.Schedulers[1].Period)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.json", `{
		"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
		"schedulers": [],
		"cron": "nope"
	}`)
	_, err := NewConfigManager(path).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron")
}

func TestCalendarFieldUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    CalendarField
		wantErr bool
	}{
		{"wildcard", `"*"`, CalendarField{Any: true}, false},
		{"single", `5`, CalendarField{Values: []int{5}}, false},
		{"list", `[10, 20, 30]`, CalendarField{Values: []int{10, 20, 30}}, false},
		{"null", `null`, CalendarField{Any: true}, false},
		{"bad string", `"mon"`, CalendarField{}, true},
		{"empty list", `[]`, CalendarField{}, true},
		{"float", `1.5`, CalendarField{}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f CalendarField
			err := json.Unmarshal([]byte(tt.raw), &f)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestCalendarSpecDefaults(t *testing.T) {
	t.Parallel()

	// A bare nightly declaration means daily at midnight: omitted minute is 0,
	// everything else wildcards.
	sc := SchedulerConfig{Name: "n", Kind: "nightly", Builders: []string{"b"}}
	spec, err := sc.CalendarSpec()
	require.NoError(t, err)

	after := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	next, err := spec.Next(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), next)

	// An explicit timezone shifts the slot.
	sc.Timezone = "America/New_York"
	spec, err = sc.CalendarSpec()
	require.NoError(t, err)
	next, err = spec.Next(after)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", next.Location().String())
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	nightly := func(mod func(*SchedulerConfig)) *Config {
		sc := SchedulerConfig{Name: "n", Kind: "nightly", Builders: []string{"b"}}
		if mod != nil {
			mod(&sc)
		}
		return &Config{Schedulers: []SchedulerConfig{sc}}
	}

	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"nil config", nil, "nil"},
		{"unknown storage driver", &Config{Storage: &StorageConfig{Driver: "redis"}}, "unknown driver"},
		{"sqlite without path", &Config{Storage: &StorageConfig{Driver: "sqlite"}}, "needs a path"},
		{"postgres without dsn", &Config{Storage: &StorageConfig{Driver: "postgres"}}, "needs a dsn"},
		{"bad janitor schedule", &Config{Janitor: &JanitorConfig{Enabled: true, Schedule: "often"}}, "janitor.schedule"},
		{"bad retention", &Config{Janitor: &JanitorConfig{Enabled: true, ChangeRetention: "3 weeks"}}, "change_retention"},
		{"nameless scheduler", nightly(func(sc *SchedulerConfig) { sc.Name = " " }), "name is required"},
		{"no builders", nightly(func(sc *SchedulerConfig) { sc.Builders = nil }), "builders"},
		{"unknown kind", nightly(func(sc *SchedulerConfig) { sc.Kind = "hourly" }), "unknown kind"},
		{"nightly with period", nightly(func(sc *SchedulerConfig) { sc.Period = "1h" }), "only valid for kind periodic"},
		{"periodic without period", nightly(func(sc *SchedulerConfig) { sc.Kind = "periodic" }), "positive period"},
		{"periodic with calendar", nightly(func(sc *SchedulerConfig) {
			sc.Kind = "periodic"
			sc.Period = "1h"
			sc.Hour = &CalendarField{Any: true}
		}), "only valid for kind nightly"},
		{"periodic only_if_changed", nightly(func(sc *SchedulerConfig) {
			sc.Kind = "periodic"
			sc.Period = "1h"
			sc.OnlyIfChanged = true
		}), "only_if_changed"},
		{"minute out of range", nightly(func(sc *SchedulerConfig) {
			sc.Minute = &CalendarField{Values: []int{60}}
		}), "minute"},
		{"unsatisfiable calendar", nightly(func(sc *SchedulerConfig) {
			sc.DayOfMonth = &CalendarField{Values: []int{30}}
			sc.Month = &CalendarField{Values: []int{2}}
		}), "no matching time"},
		{"bad timezone", nightly(func(sc *SchedulerConfig) { sc.Timezone = "Mars/Olympus" }), "timezone"},
		{"patterns without only_if_changed", nightly(func(sc *SchedulerConfig) {
			sc.ImportantFiles = []string{"src/*"}
		}), "only_if_changed"},
		{"bad pattern", nightly(func(sc *SchedulerConfig) {
			sc.OnlyIfChanged = true
			sc.ImportantFiles = []string{"["}
		}), "pattern"},
		{"duplicate names", &Config{Schedulers: []SchedulerConfig{
			{Name: "n", Kind: "periodic", Builders: []string{"b"}, Period: "1h"},
			{Name: "n", Kind: "periodic", Builders: []string{"b"}, Period: "2h"},
		}}, "duplicate"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Schedulers: []SchedulerConfig{
			{Name: "a", Kind: "periodic", Builders: []string{"b"}, Period: "1h"},
			{Name: "b", Kind: "periodic", Builders: []string{"b"}, Period: "1h"},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug", Console: true},
		Janitor: &JanitorConfig{Enabled: true, Schedule: "@hourly"},
		Schedulers: []SchedulerConfig{
			{Name: "a", Kind: "periodic", Builders: []string{"b"}, Period: "2h"},
			{Name: "b", Kind: "periodic", Builders: []string{"b"}, Period: "1h"},
			{Name: "c", Kind: "periodic", Builders: []string{"b"}, Period: "1h"},
		},
	}

	changed, _, schedulers := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"janitor", "logging", "schedulers"}, changed)
	assert.Equal(t, []string{"a", "c"}, schedulers)

	changed, _, schedulers = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
	assert.Empty(t, schedulers)
}
