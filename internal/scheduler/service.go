package scheduler

import (
	"context"
	"errors"

	logx "buildsched/pkg/logx"
)

// Start activates the scheduler and begins ticking. It is a no-op if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	go s.loop(ctx, stopCh, doneCh)
}

// Stop deactivates the scheduler. An in-flight tick finishes its current
// submit+persist step; Stop waits for that (bounded by ctx).
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight tick")
	}
}

// Poke requests an early wakeup, typically because a change just arrived and
// prompt reclassification is wanted. Pokes are rate-limited and coalesced;
// schedulers that don't classify ignore them entirely.
func (s *Scheduler) Poke() {
	if !s.cfg.OnlyIfChanged {
		return
	}
	if !s.limiter.Allow() {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Activation must land before the first tick; retry on store trouble
	// rather than giving up the whole scheduler.
	for {
		err := s.activate(ctx)
		if err == nil {
			break
		}
		s.log.Error("activation failed; retrying", logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.clock.After(s.cfg.RetryInterval):
		}
	}
	s.log.Info("scheduler active",
		logx.String("kind", string(s.cfg.Kind)),
		logx.Bool("only_if_changed", s.cfg.OnlyIfChanged))

	for {
		next, err := s.tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// A failed tick never takes the process down; the same decision
			// is retried at the returned wakeup.
			s.log.Error("tick failed", logx.Err(err), logx.Time("retry_at", next))
		}

		d := next.Sub(s.clock.Now())
		if d < 0 {
			d = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wakeCh:
			// early reclassification wakeup
		case <-s.clock.After(d):
		}
	}
}
