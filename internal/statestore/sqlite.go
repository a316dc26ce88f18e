package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildsched/internal/changes"
	logx "buildsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("statestore: sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping is used by the retry wrapper to recycle the connection between
// attempts on transient failures.
func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) GetState(ctx context.Context, schedulerID string) (State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM scheduler_state WHERE scheduler_id = ?`, schedulerID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false, fmt.Errorf("statestore: corrupt state for %q: %w", schedulerID, err)
	}
	return st, true, nil
}

func (s *sqliteStore) UpdateState(ctx context.Context, schedulerID string, fn func(st *State) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var st State
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM scheduler_state WHERE scheduler_id = ?`, schedulerID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// new scheduler, start from the zero record
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return fmt.Errorf("statestore: corrupt state for %q: %w", schedulerID, err)
		}
	}

	if err := fn(&st); err != nil {
		return err
	}

	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduler_state(scheduler_id, state, updated_at) VALUES(?,?,?)
		 ON CONFLICT(scheduler_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		schedulerID, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AddChange(ctx context.Context, c changes.Change) error {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changes(number, branch, author, comments, when_ts, files)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(number) DO NOTHING`,
		c.Number, c.Branch, nullStr(c.Author), nullStr(c.Comments),
		c.When.UTC().Format(time.RFC3339Nano), string(files),
	)
	return err
}

func (s *sqliteStore) ChangesSince(ctx context.Context, after int64) ([]changes.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, branch, author, comments, when_ts, files
		 FROM changes WHERE number > ? ORDER BY number`, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []changes.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChange(rows *sql.Rows) (changes.Change, error) {
	var c changes.Change
	var author, comments, files sql.NullString
	var when string
	if err := rows.Scan(&c.Number, &c.Branch, &author, &comments, &when, &files); err != nil {
		return changes.Change{}, err
	}
	c.Author = author.String
	c.Comments = comments.String
	t, err := time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return changes.Change{}, fmt.Errorf("statestore: bad change timestamp %q: %w", when, err)
	}
	c.When = t
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &c.Files); err != nil {
			return changes.Change{}, err
		}
	}
	return c, nil
}

func (s *sqliteStore) MaxChangeNumber(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM changes`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

func (s *sqliteStore) CreateBuildset(ctx context.Context, b *Buildset) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	nums, err := json.Marshal(b.ChangeNumbers)
	if err != nil {
		return err
	}
	builders, err := json.Marshal(b.Builders)
	if err != nil {
		return err
	}
	props, err := json.Marshal(b.Properties)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buildsets(external_id, branch, revision, change_numbers, reason, builders, properties, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		b.ExternalID, b.Branch, nullStr(b.Revision), string(nums), b.Reason,
		string(builders), string(props), b.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

func (s *sqliteStore) PruneChanges(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes WHERE when_ts < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PruneBuildsets(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buildsets WHERE created_at < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
