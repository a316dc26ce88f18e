package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"buildsched/internal/changes"
)

// memoryStore keeps everything in process memory. It honors the same
// atomicity contract as the durable drivers and is the default for tests.
type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	states   map[string]State
	changes  map[int64]changes.Change
	buildset []Buildset
	nextBSID int64
}

func NewMemory() Store {
	return &memoryStore{
		states:   map[string]State{},
		changes:  map[int64]changes.Change{},
		nextBSID: 1,
	}
}

func (m *memoryStore) GetState(_ context.Context, schedulerID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return State{}, false, ErrClosed
	}
	st, ok := m.states[schedulerID]
	return st.Clone(), ok, nil
}

func (m *memoryStore) UpdateState(_ context.Context, schedulerID string, fn func(st *State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	st := m.states[schedulerID].Clone()
	if err := fn(&st); err != nil {
		return err
	}
	m.states[schedulerID] = st
	return nil
}

func (m *memoryStore) AddChange(_ context.Context, c changes.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.changes[c.Number] = c
	return nil
}

func (m *memoryStore) ChangesSince(_ context.Context, after int64) ([]changes.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []changes.Change
	for n, c := range m.changes {
		if n > after {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memoryStore) MaxChangeNumber(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var max int64
	for n := range m.changes {
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (m *memoryStore) CreateBuildset(_ context.Context, b *Buildset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	b.ID = m.nextBSID
	m.nextBSID++
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.buildset = append(m.buildset, *b)
	return nil
}

func (m *memoryStore) PruneChanges(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for num, c := range m.changes {
		if c.When.Before(olderThan) {
			delete(m.changes, num)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PruneBuildsets(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	kept := m.buildset[:0]
	var n int64
	for _, b := range m.buildset {
		if b.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, b)
	}
	m.buildset = kept
	return n, nil
}

// Buildsets returns a snapshot, oldest first. Test and debugging helper.
func (m *memoryStore) Buildsets() []Buildset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Buildset(nil), m.buildset...)
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
