package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Janitor controls periodic pruning of old changes and buildsets.
	// If the whole section is omitted, the janitor stays disabled.
	Janitor *JanitorConfig `json:"janitor,omitempty"`

	Schedulers []SchedulerConfig `json:"schedulers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./buildsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JanitorConfig controls retention housekeeping.
//
// Schedule is a standard five-field cron expression (or a descriptor like
// "@hourly"). Retentions are Go duration strings; zero disables that prune.
type JanitorConfig struct {
	Enabled           bool   `json:"enabled"`
	Schedule          string `json:"schedule,omitempty"`
	ChangeRetention   string `json:"change_retention,omitempty"`
	BuildsetRetention string `json:"buildset_retention,omitempty"`
}

// SchedulerConfig declares one timed scheduler.
//
// Calendar fields (minute/hour/day_of_month/month/day_of_week) each accept
// "*", a single integer, or a list of integers. An omitted minute means 0;
// every other omitted field means "*". day_of_week counts from Monday=0.
// Period is a Go duration string and is only valid for kind "periodic".
type SchedulerConfig struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Builders   []string          `json:"builders"`
	Branch     string            `json:"branch,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	Minute     *CalendarField `json:"minute,omitempty"`
	Hour       *CalendarField `json:"hour,omitempty"`
	DayOfMonth *CalendarField `json:"day_of_month,omitempty"`
	Month      *CalendarField `json:"month,omitempty"`
	DayOfWeek  *CalendarField `json:"day_of_week,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`

	Period string `json:"period,omitempty"`

	OnlyIfChanged    bool     `json:"only_if_changed,omitempty"`
	ImportantFiles   []string `json:"important_files,omitempty"`
	UnimportantFiles []string `json:"unimportant_files,omitempty"`
}

// CalendarField is one declared time-matching field: either a wildcard or a
// set of integer values.
type CalendarField struct {
	Any    bool
	Values []int
}

func (f *CalendarField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = CalendarField{Any: true}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) != "*" {
			return fmt.Errorf("calendar field: want \"*\", an integer or a list, got %q", s)
		}
		*f = CalendarField{Any: true}
		return nil
	case '[':
		var vs []int
		if err := json.Unmarshal(b, &vs); err != nil {
			return err
		}
		if len(vs) == 0 {
			return fmt.Errorf("calendar field: value list must not be empty")
		}
		*f = CalendarField{Values: vs}
		return nil
	default:
		var v int
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = CalendarField{Values: []int{v}}
		return nil
	}
}

func (f CalendarField) MarshalJSON() ([]byte, error) {
	if f.Any {
		return json.Marshal("*")
	}
	if len(f.Values) == 1 {
		return json.Marshal(f.Values[0])
	}
	return json.Marshal(f.Values)
}
