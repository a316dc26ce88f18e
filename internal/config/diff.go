package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "buildsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes credentials like a
// storage DSN), and (3) the names of schedulers whose declarations changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the DSN)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet, oDSNSet, nDSNSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
		oDSNSet = strings.TrimSpace(oldS.DSN) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
		nDSNSet = strings.TrimSpace(newS.DSN) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oDSNSet != nDSNSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Bool("storage.dsn_set", nDSNSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Janitor. Nil means disabled.
	oJ := derefJanitor(oldCfg.Janitor)
	nJ := derefJanitor(newCfg.Janitor)
	if oJ != nJ {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", nJ.Enabled),
			logx.String("janitor.schedule", strings.TrimSpace(nJ.Schedule)),
			logx.String("janitor.change_retention", strings.TrimSpace(nJ.ChangeRetention)),
			logx.String("janitor.buildset_retention", strings.TrimSpace(nJ.BuildsetRetention)),
		)
	}

	// Schedulers (summarize only; details at debug)
	schedulerChanged := diffSchedulers(oldCfg.Schedulers, newCfg.Schedulers)
	if len(schedulerChanged) > 0 {
		changed = append(changed, "schedulers")
		attrs = append(attrs,
			logx.Int("schedulers.changed_count", len(schedulerChanged)),
			logx.Int("schedulers.count", len(newCfg.Schedulers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedulerChanged
}

func derefJanitor(j *JanitorConfig) JanitorConfig {
	if j == nil {
		return JanitorConfig{}
	}
	return *j
}

// diffSchedulers compares declarations by name via a canonical JSON hash, so
// formatting and key order never count as a change. Added and removed names
// count too.
func diffSchedulers(oldList, newList []SchedulerConfig) []string {
	oldM := schedulerHashes(oldList)
	newM := schedulerHashes(newList)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if !inOld || !inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func schedulerHashes(list []SchedulerConfig) map[string]uint64 {
	m := make(map[string]uint64, len(list))
	for i := range list {
		b, err := json.Marshal(&list[i])
		if err != nil {
			continue
		}
		m[strings.TrimSpace(list[i].Name)] = canonicalHashJSON(b)
	}
	return m
}
