package app

import (
	"context"
	"fmt"
	"time"

	"buildsched/internal/changes"
	"buildsched/internal/eventbus"
	logx "buildsched/pkg/logx"
)

// AddChange records one change and announces it on the bus so classifying
// schedulers wake up promptly. This is the entry point for change-source
// frontends (pollers, hooks); duplicate change numbers are ignored by the
// store so replays are safe.
func (a *App) AddChange(ctx context.Context, ch changes.Change) error {
	if ch.Number <= 0 {
		return fmt.Errorf("app: change number must be positive, got %d", ch.Number)
	}
	if ch.When.IsZero() {
		ch.When = time.Now()
	}
	if err := a.store.AddChange(ctx, ch); err != nil {
		return err
	}
	a.log.Debug("change recorded",
		logx.Int64("number", ch.Number),
		logx.String("branch", ch.Branch),
		logx.Int("files", len(ch.Files)))
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeChangeAdded, Data: ch})
	return nil
}
