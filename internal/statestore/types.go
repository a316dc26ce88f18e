package statestore

import (
	"context"
	"errors"
	"time"

	"buildsched/internal/changes"
)

// State is the durable per-scheduler record. It must survive process restarts
// bit-for-bit so a scheduler resumes exactly where it left off.
type State struct {
	// LastBuild is the most recent fire, nil if the scheduler never fired.
	LastBuild *time.Time `json:"last_build,omitempty"`
	// LastProcessed is the change-number high-water mark already classified.
	LastProcessed int64 `json:"last_processed"`
	// Classified maps retained change numbers to their importance verdict.
	// Entries are retired (deleted) once a buildset consumes them.
	Classified map[int64]bool `json:"classified,omitempty"`
}

// Clone returns a deep copy so callers can never alias the stored map.
func (s State) Clone() State {
	cp := s
	if s.LastBuild != nil {
		t := *s.LastBuild
		cp.LastBuild = &t
	}
	if s.Classified != nil {
		cp.Classified = make(map[int64]bool, len(s.Classified))
		for k, v := range s.Classified {
			cp.Classified[k] = v
		}
	}
	return cp
}

// Buildset is one unit of submitted work. The store owns its durability from
// the moment CreateBuildset returns.
type Buildset struct {
	ID            int64             `json:"id"`
	ExternalID    string            `json:"external_id"`
	Branch        string            `json:"branch"`
	Revision      string            `json:"revision,omitempty"`
	ChangeNumbers []int64           `json:"change_numbers,omitempty"`
	Reason        string            `json:"reason"`
	Builders      []string          `json:"builders"`
	Properties    map[string]string `json:"properties,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Config configures the store.
//
// Driver values:
//   - "memory": in-process map (tests, dev)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

var (
	ErrClosed = errors.New("statestore: store closed")
)

// Store is the persistence API consumed by schedulers and the build queue.
//
// UpdateState is a per-key atomic read-modify-write: fn receives the current
// record (zero State for a new scheduler), and the mutated record is committed
// only if fn returns nil. Two schedulers never contend on each other's key.
type Store interface {
	GetState(ctx context.Context, schedulerID string) (State, bool, error)
	UpdateState(ctx context.Context, schedulerID string, fn func(st *State) error) error

	AddChange(ctx context.Context, c changes.Change) error
	ChangesSince(ctx context.Context, after int64) ([]changes.Change, error)
	MaxChangeNumber(ctx context.Context) (int64, error)

	CreateBuildset(ctx context.Context, b *Buildset) error

	PruneChanges(ctx context.Context, olderThan time.Time) (int64, error)
	PruneBuildsets(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
