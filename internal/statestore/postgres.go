package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"buildsched/internal/changes"
	logx "buildsched/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS scheduler_state (
    scheduler_id TEXT PRIMARY KEY,
    state        JSONB NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    number   BIGINT PRIMARY KEY,
    branch   TEXT NOT NULL DEFAULT '',
    author   TEXT,
    comments TEXT,
    when_ts  TIMESTAMPTZ NOT NULL,
    files    JSONB
);

CREATE INDEX IF NOT EXISTS idx_changes_when ON changes(when_ts);

CREATE TABLE IF NOT EXISTS buildsets (
    id             BIGSERIAL PRIMARY KEY,
    external_id    TEXT NOT NULL UNIQUE,
    branch         TEXT NOT NULL DEFAULT '',
    revision       TEXT,
    change_numbers JSONB,
    reason         TEXT,
    builders       JSONB NOT NULL,
    properties     JSONB,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_buildsets_created ON buildsets(created_at);
`

type pgStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type pgChangeRow struct {
	Number   int64          `db:"number"`
	Branch   string         `db:"branch"`
	Author   sql.NullString `db:"author"`
	Comments sql.NullString `db:"comments"`
	WhenTS   time.Time      `db:"when_ts"`
	Files    []byte         `db:"files"`
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("statestore: postgres dsn is required")
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	st := &pgStore{db: db, log: log}
	if _, err := db.Exec(pgSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) Close() error { return s.db.Close() }

func (s *pgStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *pgStore) GetState(ctx context.Context, schedulerID string) (State, bool, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT state FROM scheduler_state WHERE scheduler_id = $1`, schedulerID)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("statestore: corrupt state for %q: %w", schedulerID, err)
	}
	return st, true, nil
}

func (s *pgStore) UpdateState(ctx context.Context, schedulerID string, fn func(st *State) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var st State
	var raw []byte
	err = tx.GetContext(ctx, &raw,
		`SELECT state FROM scheduler_state WHERE scheduler_id = $1 FOR UPDATE`, schedulerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// new scheduler, start from the zero record
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, &st); err != nil {
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
		`INSERT INTO scheduler_state(scheduler_id, state, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT(scheduler_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		schedulerID, b, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgStore) AddChange(ctx context.Context, c changes.Change) error {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changes(number, branch, author, comments, when_ts, files)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(number) DO NOTHING`,
		c.Number, c.Branch, nullStr(c.Author), nullStr(c.Comments), c.When.UTC(), files)
	return err
}

func (s *pgStore) ChangesSince(ctx context.Context, after int64) ([]changes.Change, error) {
	var rows []pgChangeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT number, branch, author, comments, when_ts, files
		 FROM changes WHERE number > $1 ORDER BY number`, after)
	if err != nil {
		return nil, err
	}
	out := make([]changes.Change, 0, len(rows))
	for _, r := range rows {
		c := changes.Change{
			Number:   r.Number,
			Branch:   r.Branch,
			Author:   r.Author.String,
			Comments: r.Comments.String,
			When:     r.WhenTS,
		}
		if len(r.Files) > 0 {
			if err := json.Unmarshal(r.Files, &c.Files); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *pgStore) MaxChangeNumber(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.db.GetContext(ctx, &n, `SELECT MAX(number) FROM changes`)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

func (s *pgStore) CreateBuildset(ctx context.Context, b *Buildset) error {
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
	return s.db.GetContext(ctx, &b.ID,
		`INSERT INTO buildsets(external_id, branch, revision, change_numbers, reason, builders, properties, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id`,
		b.ExternalID, b.Branch, nullStr(b.Revision), nums, b.Reason, builders, props, b.CreatedAt.UTC())
}

func (s *pgStore) PruneChanges(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE when_ts < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *pgStore) PruneBuildsets(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buildsets WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
