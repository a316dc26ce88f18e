// Package statestore persists scheduler state, ingested changes, and created
// buildsets behind a single Store interface with pluggable drivers.
package statestore

import (
	"errors"
	"strings"

	logx "buildsched/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pq":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("statestore: unknown driver: " + cfg.Driver)
	}
}
