package achievements

import (
	"context"
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/events"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

type Engine struct {
	store       store.Store
	coordinator *remote.Coordinator
	bus         *events.Bus
	notifier    notify.Dispatcher
	metrics     *metrics.Manager
	now         func() time.Time
}

type NewEngineParams struct {
	Store       store.Store
	Coordinator *remote.Coordinator
	Bus         *events.Bus
	Notifier    notify.Dispatcher
	Metrics     *metrics.Manager
	Now         func() time.Time
}

func NewEngine(params NewEngineParams) *Engine {
	e := &Engine{
		store:       params.Store,
		coordinator: params.Coordinator,
		bus:         params.Bus,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		now:         params.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Evaluate awards every milestone crossed between before and after. Awards
// already stored are left untouched. It returns the newly created ones.
func (e *Engine) Evaluate(ctx context.Context, userID string, before, after Progress) (_ []Achievement, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "achievements.evaluate")
	span.SetAttributes(attribute.String("user.id", userID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	return e.awardAll(ctx, userID, Crossed(before, after))
}

// Reconcile awards every milestone the current progress has reached. It is
// safe to run any number of times and repairs awards missed earlier.
func (e *Engine) Reconcile(ctx context.Context, userID string, current Progress) (_ []Achievement, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "achievements.reconcile")
	span.SetAttributes(attribute.String("user.id", userID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	return e.awardAll(ctx, userID, Reached(current))
}

func (e *Engine) awardAll(ctx context.Context, userID string, milestones []Milestone) ([]Achievement, error) {
	if userID == "" {
		return nil, apperrors.Validation("achievements.award", "user id missing")
	}

	var created []Achievement
	var errs error
	for _, m := range milestones {
		a, isNew, err := e.award(ctx, userID, m)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("award %s %v: %w", m.Type, m.Threshold, err))
			continue
		}
		if isNew {
			created = append(created, *a)
			e.announce(ctx, *a, m)
		}
	}
	return created, errs
}

// award creates the achievement document if it does not exist yet.
func (e *Engine) award(ctx context.Context, userID string, m Milestone) (*Achievement, bool, error) {
	a := Achievement{
		ID:             ID(userID, m.Type, m.Threshold),
		UserID:         userID,
		Type:           m.Type,
		ThresholdValue: m.Threshold,
		EarnedAt:       e.now().UTC(),
	}
	ref := store.Doc(Collection, a.ID)

	var isNew bool
	err := e.coordinator.Do(ctx, "achievements.award", func(ctx context.Context) error {
		return e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			isNew = false
			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}
			if snap.Exists {
				return nil
			}
			isNew = true
			return tx.Set(ref, store.Data{
				"id":             a.ID,
				"userId":         a.UserID,
				"type":           string(a.Type),
				"thresholdValue": a.ThresholdValue,
				"earnedAt":       store.ServerTimestamp,
			})
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &a, isNew, nil
}

func (e *Engine) announce(ctx context.Context, a Achievement, m Milestone) {
	log.Infof("achievements: user %s earned %s [%v]", a.UserID, a.Type, a.ThresholdValue)
	if e.metrics != nil {
		e.metrics.CounterAchievements.WithLabelValues(a.Type.String()).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(ctx, events.NewAchievementEarnedEvent(events.AchievementEarned{
			UserID:        a.UserID,
			AchievementID: a.ID,
			Type:          a.Type.String(),
			Threshold:     a.ThresholdValue,
			Timestamp:     a.EarnedAt,
		}))
	}

	n := notify.New(a.UserID, notify.TypeAchievementEarned, "Achievement unlocked", m.title(), map[string]string{
		"achievementId": a.ID,
		"type":          a.Type.String(),
	})
	if err := e.notifier.Send(ctx, n); err != nil {
		log.Errorf("achievements: notify %s about %s: %s", a.UserID, a.ID, err)
	}
}

// List returns the achievements of a user, most recent first.
func (e *Engine) List(ctx context.Context, userID string) (_ []Achievement, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "achievements.list")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	q := store.NewQuery(Collection).
		Where("userId", store.OpEq, userID).
		Order("earnedAt", true)
	snaps, err := remote.Call(ctx, e.coordinator, "achievements.list", func(ctx context.Context) ([]store.Snapshot, error) {
		return e.store.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Achievement, 0, len(snaps))
	for _, snap := range snaps {
		var a Achievement
		if err := store.Decode(snap.Data, &a); err != nil {
			log.Warnf("achievements: skip undecodable %s: %s", snap.Ref, err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
