package buildqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildsched/internal/eventbus"
	"buildsched/internal/statestore"
	logx "buildsched/pkg/logx"
)

func TestCreateBuildsetPersistsAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := statestore.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	sub := New(store, bus, logx.Nop())
	id, err := sub.CreateBuildset(ctx, Request{
		Stamp:    SourceStamp{Branch: "main", ChangeNumbers: []int64{3, 5, 6}},
		Reason:   "scheduler nightly-main",
		Builders: []string{"linux", "windows"},
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	lister, ok := store.(interface{ Buildsets() []statestore.Buildset })
	require.True(t, ok)
	all := lister.Buildsets()
	require.Len(t, all, 1)
	assert.Equal(t, []int64{3, 5, 6}, all[0].ChangeNumbers)
	assert.NotEmpty(t, all[0].ExternalID)

	ev := <-events
	assert.Equal(t, eventbus.TypeBuildsetCreated, ev.Type)
}

func TestCreateBuildsetRejectsEmptyBuilders(t *testing.T) {
	t.Parallel()
	sub := New(statestore.NewMemory(), nil, logx.Nop())
	_, err := sub.CreateBuildset(context.Background(), Request{
		Stamp: SourceStamp{Branch: "main"},
	})
	require.Error(t, err)
}
