package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildsched/internal/changes"
	logx "buildsched/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "state.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStateRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestSQLite(t)

	_, ok, err := s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	assert.False(t, ok)

	last := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateState(ctx, "nightly-main", func(st *State) error {
		st.LastBuild = &last
		st.LastProcessed = 17
		st.Classified = map[int64]bool{3: false, 5: true}
		return nil
	}))

	st, ok, err := s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, st.LastBuild)
	assert.True(t, st.LastBuild.Equal(last))
	assert.Equal(t, int64(17), st.LastProcessed)
	assert.Equal(t, map[int64]bool{3: false, 5: true}, st.Classified)

	// Read-modify-write preserves what fn does not touch.
	require.NoError(t, s.UpdateState(ctx, "nightly-main", func(st *State) error {
		delete(st.Classified, 3)
		return nil
	}))
	st, _, err = s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{5: true}, st.Classified)
	assert.Equal(t, int64(17), st.LastProcessed)
}

func TestSQLiteChangesAndBuildsets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestSQLite(t)

	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for n := int64(1); n <= 3; n++ {
		require.NoError(t, s.AddChange(ctx, changes.Change{
			Number:   n,
			Branch:   "main",
			Author:   "dev",
			Comments: "change",
			When:     when.Add(time.Duration(n) * time.Minute),
			Files:    []string{"src/a.go"},
		}))
	}
	// Duplicate ingestion is a no-op.
	require.NoError(t, s.AddChange(ctx, changes.Change{Number: 2, Branch: "other", When: when}))

	max, err := s.MaxChangeNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	since, err := s.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "main", since[0].Branch)
	assert.Equal(t, []string{"src/a.go"}, since[0].Files)
	assert.True(t, since[0].When.Equal(when.Add(2*time.Minute)))

	bs := &Buildset{
		ExternalID:    "11111111-2222-3333-4444-555555555555",
		Branch:        "main",
		ChangeNumbers: []int64{2, 3},
		Reason:        "scheduler nightly-main",
		Builders:      []string{"linux", "windows"},
		Properties:    map[string]string{"owner": "nightly"},
	}
	require.NoError(t, s.CreateBuildset(ctx, bs))
	assert.NotZero(t, bs.ID)

	pruned, err := s.PruneChanges(ctx, when.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	pruned, err = s.PruneBuildsets(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
