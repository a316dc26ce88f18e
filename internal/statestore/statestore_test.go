package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildsched/internal/changes"
	logx "buildsched/pkg/logx"
)

func TestStateJSONRoundTrip(t *testing.T) {
	t.Parallel()

	last := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	in := State{
		LastBuild:     &last,
		LastProcessed: 42,
		Classified:    map[int64]bool{3: false, 5: true, 6: false},
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out State
	require.NoError(t, json.Unmarshal(b, &out))

	require.NotNil(t, out.LastBuild)
	assert.True(t, out.LastBuild.Equal(last))
	assert.Equal(t, in.LastProcessed, out.LastProcessed)
	assert.Equal(t, in.Classified, out.Classified)
}

func TestMemoryUpdateStateAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	// A failing mutation must not be committed.
	err := s.UpdateState(ctx, "nightly-main", func(st *State) error {
		st.LastProcessed = 99
		return errors.New("boom")
	})
	require.Error(t, err)

	_, ok, err := s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	assert.False(t, ok, "aborted update must not create the record")

	require.NoError(t, s.UpdateState(ctx, "nightly-main", func(st *State) error {
		st.LastProcessed = 7
		st.Classified = map[int64]bool{1: true}
		return nil
	}))

	st, ok, err := s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), st.LastProcessed)

	// Mutating the returned copy must not leak into the store.
	st.Classified[2] = true
	again, _, err := s.GetState(ctx, "nightly-main")
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true}, again.Classified)
}

func TestMemoryChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	for _, n := range []int64{3, 1, 2} {
		require.NoError(t, s.AddChange(ctx, changes.Change{
			Number: n, Branch: "main", When: time.Unix(1700000000+n, 0),
		}))
	}

	max, err := s.MaxChangeNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	since, err := s.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(2), since[0].Number)
	assert.Equal(t, int64(3), since[1].Number)
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) UpdateState(ctx context.Context, id string, fn func(st *State) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("driver: bad connection")
	}
	return f.Store.UpdateState(ctx, id, fn)
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &flakyStore{Store: NewMemory(), failures: 3}
	s := WithRetry(inner, logx.Nop()).(*retryStore)
	s.sleep = func(context.Context, time.Duration) {}

	require.NoError(t, s.UpdateState(ctx, "p", func(st *State) error {
		st.LastProcessed = 1
		return nil
	}))
	assert.Equal(t, 4, inner.calls)
}

func TestRetryGivesUpAfterBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &flakyStore{Store: NewMemory(), failures: 100}
	s := WithRetry(inner, logx.Nop()).(*retryStore)
	s.sleep = func(context.Context, time.Duration) {}

	err := s.UpdateState(ctx, "p", func(st *State) error { return nil })
	require.Error(t, err)
	assert.Equal(t, maxAttempts, inner.calls)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &flakyStore{Store: NewMemory(), failures: 0}
	s := WithRetry(inner, logx.Nop()).(*retryStore)
	s.sleep = func(context.Context, time.Duration) {}

	sentinel := errors.New("constraint violation")
	err := s.UpdateState(ctx, "p", func(st *State) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, inner.calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(errors.New("database is locked")))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("syntax error")))
}
