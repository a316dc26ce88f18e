// Package buildqueue accepts fire decisions from schedulers and turns them
// into durable buildsets. Schedulers only see the Submitter interface; what
// happens to a buildset afterwards (claiming, dispatch to workers) is owned by
// downstream components.
package buildqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buildsched/internal/eventbus"
	"buildsched/internal/statestore"
	logx "buildsched/pkg/logx"
)

// SourceStamp identifies what to build. An empty Revision with no change
// numbers means "latest on Branch".
type SourceStamp struct {
	Branch        string
	Revision      string
	ChangeNumbers []int64
}

// Request is one fire decision.
type Request struct {
	Stamp      SourceStamp
	Reason     string
	Builders   []string
	Properties map[string]string
}

// Submitter creates build requests. Implementations must be safe for
// concurrent use by multiple schedulers.
type Submitter interface {
	CreateBuildset(ctx context.Context, req Request) (int64, error)
}

type storeSubmitter struct {
	store statestore.Store
	bus   eventbus.Bus
	log   logx.Logger
}

// New returns a Submitter persisting buildsets in the state store.
func New(store statestore.Store, bus eventbus.Bus, log logx.Logger) Submitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &storeSubmitter{store: store, bus: bus, log: log}
}

func (s *storeSubmitter) CreateBuildset(ctx context.Context, req Request) (int64, error) {
	if len(req.Builders) == 0 {
		return 0, fmt.Errorf("buildqueue: request without builders")
	}

	bs := &statestore.Buildset{
		ExternalID:    uuid.NewString(),
		Branch:        req.Stamp.Branch,
		Revision:      req.Stamp.Revision,
		ChangeNumbers: append([]int64(nil), req.Stamp.ChangeNumbers...),
		Reason:        req.Reason,
		Builders:      append([]string(nil), req.Builders...),
		Properties:    req.Properties,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateBuildset(ctx, bs); err != nil {
		return 0, fmt.Errorf("buildqueue: create buildset: %w", err)
	}

	s.log.Info("buildset created",
		logx.Int64("buildset", bs.ID),
		logx.String("branch", bs.Branch),
		logx.Int("changes", len(bs.ChangeNumbers)),
		logx.String("reason", bs.Reason))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBuildsetCreated, Data: *bs})
	}
	return bs.ID, nil
}
