package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"buildsched/internal/buildqueue"
	"buildsched/internal/calendar"
	"buildsched/internal/changes"
	"buildsched/internal/eventbus"
	"buildsched/internal/statestore"
	logx "buildsched/pkg/logx"
)

type Kind string

const (
	KindNightly  Kind = "nightly"
	KindPeriodic Kind = "periodic"
)

// A fire decision made within one minute of the target slot counts as hitting
// that slot; anything older means the slot was missed while inactive.
const slotWindow = time.Minute

// Config describes one scheduler instance.
type Config struct {
	Name       string
	Kind       Kind
	Builders   []string
	Branch     string
	Properties map[string]string

	// Calendar drives nightly schedulers.
	Calendar calendar.Spec
	// Period drives periodic schedulers.
	Period time.Duration

	// OnlyIfChanged gates nightly fires on at least one important change
	// having arrived since the last build.
	OnlyIfChanged bool
	// Judge decides importance; nil means every on-branch change is
	// important. Only consulted when OnlyIfChanged is set.
	Judge changes.Judge

	// Epsilon pads the wakeup past the computed fire time so clock
	// granularity can't cause a tight re-check. Default 1s.
	Epsilon time.Duration
	// RetryInterval is the wait before re-running a failed tick. Default 1m.
	RetryInterval time.Duration
	// WakeEvery rate-limits early wakeups caused by change arrival.
	// Default one per 30s.
	WakeEvery time.Duration
}

// Deps carries the collaborators a scheduler composes. Store and Submit are
// required; Bus and Clock default to nil / the system clock.
type Deps struct {
	Store  statestore.Store
	Submit buildqueue.Submitter
	Bus    eventbus.Bus
	Clock  Clock
	Log    logx.Logger
}

// Scheduler is one timed scheduler instance. Create with New, drive with
// Start/Stop. All time reads go through the injected Clock.
type Scheduler struct {
	cfg        Config
	store      statestore.Store
	submit     buildqueue.Submitter
	bus        eventbus.Bus
	clock      Clock
	log        logx.Logger
	classifier *changes.Classifier
	limiter    *rate.Limiter

	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	wakeCh    chan struct{}
	activated time.Time

	// pendingSlot pins a nightly fire decision that failed mid-flight so
	// retries target the same slot instead of drifting past the slot window.
	// Touched only by the tick goroutine. Lost on restart, in which case the
	// scheduler realigns to the calendar (documented behavior).
	pendingSlot *time.Time
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadConfig)
	}
	if len(cfg.Builders) == 0 {
		return nil, fmt.Errorf("%w: scheduler %q has no builders", ErrBadConfig, cfg.Name)
	}
	switch cfg.Kind {
	case KindNightly:
		// Calendar was validated when the spec was constructed.
	case KindPeriodic:
		if cfg.Period <= 0 {
			return nil, fmt.Errorf("%w: scheduler %q needs a positive period", ErrBadConfig, cfg.Name)
		}
		if cfg.OnlyIfChanged {
			return nil, fmt.Errorf("%w: scheduler %q: only_if_changed requires kind nightly", ErrBadConfig, cfg.Name)
		}
	default:
		return nil, fmt.Errorf("%w: scheduler %q has unknown kind %q", ErrBadConfig, cfg.Name, cfg.Kind)
	}
	if deps.Store == nil || deps.Submit == nil {
		return nil, fmt.Errorf("%w: scheduler %q needs a store and a submitter", ErrBadConfig, cfg.Name)
	}

	if cfg.Epsilon <= 0 {
		cfg.Epsilon = time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.WakeEvery <= 0 {
		cfg.WakeEvery = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}

	return &Scheduler{
		cfg:        cfg,
		store:      deps.Store,
		submit:     deps.Submit,
		bus:        deps.Bus,
		clock:      deps.Clock,
		log:        deps.Log.With(logx.String("scheduler", cfg.Name)),
		classifier: changes.NewClassifier(cfg.Branch, cfg.Judge),
		limiter:    rate.NewLimiter(rate.Every(cfg.WakeEvery), 1),
		wakeCh:     make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) Name() string { return s.cfg.Name }

// activate loads or initializes the persisted record. A brand-new scheduler
// starts with its high-water mark at the newest existing change so the
// backlog predating it is never classified.
func (s *Scheduler) activate(ctx context.Context) error {
	s.activated = s.clock.Now()

	_, ok, err := s.store.GetState(ctx, s.cfg.Name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	max, err := s.store.MaxChangeNumber(ctx)
	if err != nil {
		return err
	}
	return s.store.UpdateState(ctx, s.cfg.Name, func(st *statestore.State) error {
		if st.LastProcessed < max {
			st.LastProcessed = max
		}
		return nil
	})
}

// tick runs one evaluation cycle and returns when to wake up next.
//
// The returned time is valid even on error: a failed tick is retried after
// RetryInterval with the same persisted state, so the same decision is made
// again (no silent skip).
func (s *Scheduler) tick(ctx context.Context) (time.Time, error) {
	now := s.clock.Now()

	st, _, err := s.store.GetState(ctx, s.cfg.Name)
	if err != nil {
		return now.Add(s.cfg.RetryInterval), err
	}

	// Classification runs on every tick, fire or not, so the high-water mark
	// never silently falls behind.
	if s.cfg.OnlyIfChanged {
		st, err = s.classifyNew(ctx, st)
		if err != nil {
			return now.Add(s.cfg.RetryInterval), err
		}
	}

	// Explicit loop instead of recursive rescheduling: after a fire the
	// baseline advances to "now", so a recomputed target can land in the past
	// at most once per missed-catch-up rule, never unboundedly.
	for {
		next, err := s.nextFire(st, now)
		if err != nil {
			return now.Add(s.cfg.RetryInterval), err
		}
		if now.Before(next) {
			return next.Add(s.cfg.Epsilon), nil
		}

		st, err = s.fire(ctx, st, next, now)
		if err != nil {
			if s.cfg.Kind == KindNightly {
				t := next
				s.pendingSlot = &t
			}
			return now.Add(s.cfg.RetryInterval), err
		}
		s.pendingSlot = nil
		now = s.clock.Now()
	}
}

// nextFire computes the next candidate fire instant for the current state.
func (s *Scheduler) nextFire(st statestore.State, now time.Time) (time.Time, error) {
	if s.cfg.Kind == KindPeriodic {
		// Never fired: build immediately on first activation. Overdue: the
		// stale target fires exactly once, then the cadence restarts at now.
		if st.LastBuild == nil {
			return s.activated, nil
		}
		return st.LastBuild.Add(s.cfg.Period), nil
	}

	if s.pendingSlot != nil {
		return *s.pendingSlot, nil
	}
	base := s.activated
	if st.LastBuild != nil {
		base = *st.LastBuild
	}
	next, err := s.cfg.Calendar.Next(base)
	if err != nil {
		return time.Time{}, err
	}
	if !now.Before(next.Add(slotWindow)) {
		// Slots were missed while inactive. Nightly never back-fills:
		// realign to the calendar from the present.
		return s.cfg.Calendar.Next(now)
	}
	return next, nil
}

// fire decides whether the reached slot actually submits a buildset, then
// persists the outcome. Submission happens first; persistence (retirement plus
// the advanced last-build stamp) commits in one store transaction afterwards.
func (s *Scheduler) fire(ctx context.Context, st statestore.State, slot, now time.Time) (statestore.State, error) {
	if s.cfg.OnlyIfChanged && !changes.AnyImportant(st.Classified) {
		// Nothing important arrived: skip this slot's build but keep the
		// schedule calendar-aligned and the verdicts retained for the next
		// slot.
		var out statestore.State
		err := s.store.UpdateState(ctx, s.cfg.Name, func(cur *statestore.State) error {
			t := slot
			cur.LastBuild = &t
			out = cur.Clone()
			return nil
		})
		if err != nil {
			return st, err
		}
		s.log.Info("slot skipped, no important changes", logx.Time("slot", slot))
		s.publish(eventbus.TypeSchedulerSkip, slot)
		return out, nil
	}

	req := buildqueue.Request{
		Stamp:      buildqueue.SourceStamp{Branch: s.cfg.Branch},
		Reason:     fmt.Sprintf("The %s scheduler named %q triggered this build", s.cfg.Kind, s.cfg.Name),
		Builders:   append([]string(nil), s.cfg.Builders...),
		Properties: copyProps(s.cfg.Properties),
	}
	var consumed []int64
	if s.cfg.OnlyIfChanged {
		// Every retained on-branch change rides along, important or not.
		consumed = changes.Numbers(st.Classified)
		req.Stamp.ChangeNumbers = consumed
	}

	id, err := s.submit.CreateBuildset(ctx, req)
	if err != nil {
		return st, fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	var out statestore.State
	err = s.store.UpdateState(ctx, s.cfg.Name, func(cur *statestore.State) error {
		t := now
		cur.LastBuild = &t
		for _, n := range consumed {
			delete(cur.Classified, n)
		}
		out = cur.Clone()
		return nil
	})
	if err != nil {
		// The buildset exists but the record didn't advance; the next tick
		// will submit again. This is the documented at-least-once trade-off.
		return st, err
	}

	s.log.Info("build fired",
		logx.Int64("buildset", id),
		logx.Time("slot", slot),
		logx.Int("changes", len(consumed)))
	s.publish(eventbus.TypeSchedulerFired, slot)
	return out, nil
}

// classifyNew records verdicts for changes above the high-water mark. The
// changes are read before the state transaction opens; this scheduler is the
// only writer of its key and ticks are serialized, so nothing can interleave.
func (s *Scheduler) classifyNew(ctx context.Context, st statestore.State) (statestore.State, error) {
	chs, err := s.store.ChangesSince(ctx, st.LastProcessed)
	if err != nil {
		return st, err
	}
	if len(chs) == 0 {
		return st, nil
	}

	verdicts := s.classifier.Classify(chs)
	maxSeen := chs[len(chs)-1].Number

	var out statestore.State
	err = s.store.UpdateState(ctx, s.cfg.Name, func(cur *statestore.State) error {
		if cur.Classified == nil {
			cur.Classified = make(map[int64]bool, len(verdicts))
		}
		for n, important := range verdicts {
			if n > cur.LastProcessed {
				cur.Classified[n] = important
			}
		}
		if maxSeen > cur.LastProcessed {
			cur.LastProcessed = maxSeen
		}
		out = cur.Clone()
		return nil
	})
	if err != nil {
		return st, err
	}
	s.log.Debug("changes classified",
		logx.Int("new", len(chs)),
		logx.Int64("high_water", out.LastProcessed))
	return out, nil
}

func (s *Scheduler) publish(typ string, slot time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"scheduler": s.cfg.Name,
		"slot":      slot,
	}})
}

// copyProps gives every buildset its own map; a shared one would let
// downstream mutation bleed between fires.
func copyProps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
