package goals

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/events"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

type Tracker struct {
	store       store.Store
	coordinator *remote.Coordinator
	bus         *events.Bus
	notifier    notify.Dispatcher
	metrics     *metrics.Manager
	now         func() time.Time
}

type NewTrackerParams struct {
	Store       store.Store
	Coordinator *remote.Coordinator
	Bus         *events.Bus
	Notifier    notify.Dispatcher
	Metrics     *metrics.Manager
	Now         func() time.Time
}

func NewTracker(params NewTrackerParams) *Tracker {
	t := &Tracker{
		store:       params.Store,
		coordinator: params.Coordinator,
		bus:         params.Bus,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		now:         params.Now,
	}
	if t.notifier == nil {
		t.notifier = notify.Nop{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) Create(ctx context.Context, userID string, params CreateParams) (_ *Goal, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "goals.create")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if userID == "" {
		return nil, apperrors.Validation("goals.create", "user id missing")
	}
	if err := pkg.ValidateStruct(params); err != nil {
		return nil, apperrors.ValidationWrap("goals.create", err)
	}
	if !params.Type.IsValid() {
		return nil, apperrors.Validation("goals.create", fmt.Sprintf("unknown goal type %q", params.Type))
	}

	g := Goal{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        params.Type,
		Title:       params.Title,
		TargetValue: params.TargetValue,
		CreatedAt:   t.now().UTC(),
	}
	if g.Title == "" {
		g.Title = defaultTitle(g.Type, g.TargetValue)
	}

	data, err := store.Encode(g)
	if err != nil {
		return nil, err
	}
	ref := store.Doc(Collection, g.ID)
	if err := t.coordinator.Do(ctx, "goals.create", func(ctx context.Context) error {
		return t.store.Set(ctx, ref, data)
	}); err != nil {
		return nil, err
	}

	log.Debugf("goals: user %s created goal %s [%s >= %v]", userID, g.ID, g.Type, g.TargetValue)
	return &g, nil
}

// List returns the goals of a user, newest first. With activeOnly set the
// completed ones are left out.
func (t *Tracker) List(ctx context.Context, userID string, activeOnly bool) (_ []Goal, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "goals.list")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	q := store.NewQuery(Collection).
		Where("userId", store.OpEq, userID).
		Order("createdAt", true)
	if activeOnly {
		q = q.Where("isCompleted", store.OpEq, false)
	}

	snaps, err := remote.Call(ctx, t.coordinator, "goals.list", func(ctx context.Context) ([]store.Snapshot, error) {
		return t.store.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Goal, 0, len(snaps))
	for _, snap := range snaps {
		var g Goal
		if err := store.Decode(snap.Data, &g); err != nil {
			log.Warnf("goals: skip undecodable %s: %s", snap.Ref, err)
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Evaluate moves every active goal of the user to the given progress and
// completes the ones that reached their target. It returns the goals
// completed by this call.
func (t *Tracker) Evaluate(ctx context.Context, userID string, p Progress) (_ []Goal, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "goals.evaluate")
	span.SetAttributes(attribute.String("user.id", userID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	active, err := t.List(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	var completed []Goal
	var errs error
	for _, g := range active {
		updated, justCompleted, err := t.advance(ctx, g.ID, p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("goal %s: %w", g.ID, err))
			continue
		}
		if justCompleted {
			completed = append(completed, *updated)
			t.announce(ctx, *updated)
		}
	}
	return completed, errs
}

// advance runs one goal through a transaction. A completed goal is left as is.
func (t *Tracker) advance(ctx context.Context, goalID string, p Progress) (*Goal, bool, error) {
	ref := store.Doc(Collection, goalID)

	var g Goal
	var justCompleted bool
	err := t.coordinator.Do(ctx, "goals.advance", func(ctx context.Context) error {
		return t.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			g = Goal{}
			justCompleted = false
			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return apperrors.NotFound("goals.advance", "goal "+goalID)
			}
			if err := store.Decode(snap.Data, &g); err != nil {
				return apperrors.DataCorruption("goals.advance", "goal "+goalID, err)
			}
			if g.IsCompleted {
				return nil
			}

			progress := NextProgress(g.Type, g.CurrentProgress, p)
			update := store.Data{}
			if progress != g.CurrentProgress {
				update["currentProgress"] = progress
				g.CurrentProgress = progress
			}
			if progress >= g.TargetValue {
				completedAt := t.now().UTC()
				update["isCompleted"] = true
				update["completedAt"] = store.ServerTimestamp
				g.IsCompleted = true
				g.CompletedAt = &completedAt
				justCompleted = true
			}
			if len(update) == 0 {
				return nil
			}
			return tx.Update(ref, update)
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &g, justCompleted, nil
}

func (t *Tracker) announce(ctx context.Context, g Goal) {
	log.Infof("goals: user %s completed goal %s [%s >= %v]", g.UserID, g.ID, g.Type, g.TargetValue)
	if t.metrics != nil {
		t.metrics.CounterGoalsCompleted.WithLabelValues(g.Type.String()).Inc()
	}
	if t.bus != nil {
		t.bus.Publish(ctx, events.NewGoalCompletedEvent(events.GoalCompleted{
			UserID:    g.UserID,
			GoalID:    g.ID,
			GoalType:  g.Type.String(),
			Target:    g.TargetValue,
			Timestamp: *g.CompletedAt,
		}))
	}

	n := notify.New(g.UserID, notify.TypeGoalCompleted, "Goal completed", g.Title, map[string]string{
		"goalId": g.ID,
		"type":   g.Type.String(),
	})
	if err := t.notifier.Send(ctx, n); err != nil {
		log.Errorf("goals: notify %s about %s: %s", g.UserID, g.ID, err)
	}
}

func defaultTitle(t Type, target float64) string {
	v := strconv.FormatFloat(target, 'f', -1, 64)
	switch t {
	case TypeWorkoutCount:
		return v + " workouts"
	case TypeTotalVolume:
		return "Lift " + v + " kg"
	case TypeTotalDuration:
		return v + " minutes of training"
	case TypeWeeklyWorkouts:
		return v + " workouts this week"
	case TypeMonthlyWorkouts:
		return v + " workouts this month"
	case TypeStreak:
		return v + " day streak"
	case TypeCaloriesBurned:
		return "Burn " + v + " kcal"
	default:
		return string(t)
	}
}
