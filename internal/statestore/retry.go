package statestore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildsched/internal/changes"
	logx "buildsched/pkg/logx"
)

// Scheduler correctness (no duplicate or missed builds) depends on state
// writes actually landing, so every store operation is retried a bounded
// number of times on transient failures before the error propagates.
const maxAttempts = 5

// pinger is implemented by the SQL-backed drivers; the wrapper uses it to
// recycle dead connections between attempts. Each UpdateState call opens a
// fresh transaction, so the failed transaction is always discarded first.
type pinger interface {
	Ping(ctx context.Context) error
}

type retryStore struct {
	inner Store
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration)
}

// WithRetry wraps a store with bounded transient-failure retry.
func WithRetry(inner Store, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &retryStore{
		inner: inner,
		log:   log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

func (r *retryStore) do(ctx context.Context, op string, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		r.log.Warn("transient store failure; retrying",
			logx.String("op", op), logx.Int("attempt", attempt), logx.Err(err))
		if p, ok := r.inner.(pinger); ok {
			_ = p.Ping(ctx)
		}
		r.sleep(ctx, backoff)
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return fmt.Errorf("statestore: %s failed after %d attempts: %w", op, maxAttempts, err)
}

// IsTransient reports whether err looks like a recoverable connectivity or
// contention failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked", // sqlite contention
		"database table is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"the database system is starting up",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (r *retryStore) GetState(ctx context.Context, schedulerID string) (State, bool, error) {
	var st State
	var ok bool
	err := r.do(ctx, "get_state", func() error {
		var err error
		st, ok, err = r.inner.GetState(ctx, schedulerID)
		return err
	})
	return st, ok, err
}

func (r *retryStore) UpdateState(ctx context.Context, schedulerID string, fn func(st *State) error) error {
	return r.do(ctx, "update_state", func() error {
		return r.inner.UpdateState(ctx, schedulerID, fn)
	})
}

func (r *retryStore) AddChange(ctx context.Context, c changes.Change) error {
	return r.do(ctx, "add_change", func() error { return r.inner.AddChange(ctx, c) })
}

func (r *retryStore) ChangesSince(ctx context.Context, after int64) ([]changes.Change, error) {
	var out []changes.Change
	err := r.do(ctx, "changes_since", func() error {
		var err error
		out, err = r.inner.ChangesSince(ctx, after)
		return err
	})
	return out, err
}

func (r *retryStore) MaxChangeNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(ctx, "max_change_number", func() error {
		var err error
		n, err = r.inner.MaxChangeNumber(ctx)
		return err
	})
	return n, err
}

func (r *retryStore) CreateBuildset(ctx context.Context, b *Buildset) error {
	return r.do(ctx, "create_buildset", func() error { return r.inner.CreateBuildset(ctx, b) })
}

func (r *retryStore) PruneChanges(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := r.do(ctx, "prune_changes", func() error {
		var err error
		n, err = r.inner.PruneChanges(ctx, olderThan)
		return err
	})
	return n, err
}

func (r *retryStore) PruneBuildsets(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := r.do(ctx, "prune_buildsets", func() error {
		var err error
		n, err = r.inner.PruneBuildsets(ctx, olderThan)
		return err
	})
	return n, err
}

func (r *retryStore) Close() error { return r.inner.Close() }
