package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/achievements"
	"github.com/2beens/fitsync/internal/fitness/activity"
	"github.com/2beens/fitsync/internal/fitness/events"
	"github.com/2beens/fitsync/internal/fitness/goals"
	"github.com/2beens/fitsync/internal/fitness/streak"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

type Service struct {
	store         store.Store
	coordinator   *remote.Coordinator
	achievements  *achievements.Engine
	goals         *goals.Tracker
	bus           *events.Bus
	metrics       *metrics.Manager
	now           func() time.Time
	toleranceDays int
}

type NewServiceParams struct {
	Store         store.Store
	Coordinator   *remote.Coordinator
	Achievements  *achievements.Engine
	Goals         *goals.Tracker
	Bus           *events.Bus
	Metrics       *metrics.Manager
	Now           func() time.Time
	ToleranceDays int
}

func NewService(params NewServiceParams) *Service {
	s := &Service{
		store:         params.Store,
		coordinator:   params.Coordinator,
		achievements:  params.Achievements,
		goals:         params.Goals,
		bus:           params.Bus,
		metrics:       params.Metrics,
		now:           params.Now,
		toleranceDays: params.ToleranceDays,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.toleranceDays <= 0 {
		s.toleranceDays = streak.DefaultToleranceDays
	}
	return s
}

type RecordResult struct {
	// Recorded is false when the activity was stored before.
	Recorded       bool                       `json:"recorded"`
	Activity       activity.Event             `json:"activity"`
	Analytics      UserAnalytics              `json:"analytics"`
	Achievements   []achievements.Achievement `json:"achievements,omitempty"`
	CompletedGoals []goals.Goal               `json:"completedGoals,omitempty"`
	Streak         streak.Result              `json:"streak"`
}

// Record stores a completed activity and folds it into the user's analytics.
// The activity document is the idempotency marker: recording the same event
// id twice changes nothing. Achievement, goal and streak evaluation run after
// the commit; their failures are logged and left to Reevaluate.
func (s *Service) Record(ctx context.Context, e activity.Event) (_ *RecordResult, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.record")
	span.SetAttributes(
		attribute.String("user.id", e.UserID),
		attribute.String("activity.id", e.ID),
		attribute.String("activity.kind", e.Kind.String()),
	)
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
		if err != nil {
			s.countActivity(e.Kind, "error")
		}
	}()

	if err := e.Validate(); err != nil {
		return nil, err
	}
	e = e.WithMetrics()
	e.Timestamp = e.Timestamp.UTC()

	activityData, err := store.Encode(e)
	if err != nil {
		return nil, apperrors.ValidationWrap("analytics.record", err)
	}

	activityRef := store.Doc(activity.Collection, e.ID)
	analyticsRef := store.Doc(Collection, e.UserID)
	now := s.now().UTC()

	var before, after UserAnalytics
	var duplicate bool
	err = s.coordinator.Do(ctx, "analytics.record", func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			duplicate = false
			activitySnap, err := tx.Get(ctx, activityRef)
			if err != nil {
				return err
			}
			analyticsSnap, err := tx.Get(ctx, analyticsRef)
			if err != nil {
				return err
			}

			before = UserAnalytics{UserID: e.UserID}
			if analyticsSnap.Exists {
				if err := store.Decode(analyticsSnap.Data, &before); err != nil {
					return apperrors.DataCorruption("analytics.record", "analytics "+e.UserID, err)
				}
			}
			if activitySnap.Exists {
				duplicate = true
				after = before
				return nil
			}

			var fields store.Data
			fields, after = applyActivity(before, e, now)
			if err := tx.Set(activityRef, activityData); err != nil {
				return err
			}
			return tx.Set(analyticsRef, fields, store.Merge())
		})
	})
	if err != nil {
		return nil, err
	}

	result := &RecordResult{
		Recorded:  !duplicate,
		Activity:  e,
		Analytics: after,
		Streak:    streak.Result{Current: after.CurrentStreak, Longest: after.LongestStreak},
	}
	if duplicate {
		log.Debugf("analytics: activity %s of %s already recorded", e.ID, e.UserID)
		s.countActivity(e.Kind, "duplicate")
		return result, nil
	}
	s.countActivity(e.Kind, "recorded")

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewActivityRecordedEvent(events.ActivityRecorded{
			UserID:     e.UserID,
			ActivityID: e.ID,
			Kind:       e.Kind.String(),
			Timestamp:  e.Timestamp,
		}))
	}

	if e.Kind != activity.KindWorkout {
		return result, nil
	}

	if s.achievements != nil {
		earned, err := s.achievements.Evaluate(ctx, e.UserID, before.AchievementProgress(), after.AchievementProgress())
		if err != nil {
			log.Errorf("analytics: evaluate achievements of %s: %s", e.UserID, err)
		}
		result.Achievements = earned
	}

	st, err := s.recomputeStreak(ctx, e.UserID, after)
	if err != nil {
		log.Errorf("analytics: recompute streak of %s: %s", e.UserID, err)
	} else {
		result.Streak = st
		result.Analytics.CurrentStreak = st.Current
		result.Analytics.LongestStreak = st.Longest
	}

	if s.goals != nil {
		completed, err := s.goals.Evaluate(ctx, e.UserID, result.Analytics.GoalProgress())
		if err != nil {
			log.Errorf("analytics: evaluate goals of %s: %s", e.UserID, err)
		}
		result.CompletedGoals = completed
	}

	return result, nil
}

// applyActivity returns the fields to merge into the analytics document for
// e, and the analytics expected after the merge.
func applyActivity(a UserAnalytics, e activity.Event, now time.Time) (store.Data, UserAnalytics) {
	fields := store.Data{
		"userId":    e.UserID,
		"updatedAt": store.ServerTimestamp,
	}
	isWorkout := e.Kind == activity.KindWorkout

	switch {
	case isWorkout && e.Metrics.Workout != nil:
		m := e.Metrics.Workout
		fields["totalWorkouts"] = store.Increment(1)
		fields["totalVolume"] = store.Increment(m.TotalVolume)
		fields["totalDuration"] = store.Increment(m.DurationMinutes)
		fields["totalCaloriesBurned"] = store.Increment(m.CaloriesBurned)
		a.TotalWorkouts++
		a.TotalVolume += m.TotalVolume
		a.TotalDuration += m.DurationMinutes
		a.TotalCaloriesBurned += m.CaloriesBurned

		if best, changed := mergeBestWeights(a.StrengthMetrics, m.BestWeights); changed {
			fields["strengthMetrics"] = best
			a.StrengthMetrics = best
		}
	case e.Kind == activity.KindNutrition && e.Metrics.Nutrition != nil:
		fields["totalMealsLogged"] = store.Increment(1)
		fields["totalCaloriesConsumed"] = store.Increment(e.Metrics.Nutrition.Calories)
		a.TotalMealsLogged++
		a.TotalCaloriesConsumed += e.Metrics.Nutrition.Calories
	}

	a.WeekKey, a.WorkoutsThisWeek = applyPeriod(fields, "weekKey", "workoutsThisWeek",
		a.WeekKey, a.WorkoutsThisWeek, WeekKey(e.Timestamp), WeekKey(now), isWorkout)
	a.MonthKey, a.WorkoutsThisMonth = applyPeriod(fields, "monthKey", "workoutsThisMonth",
		a.MonthKey, a.WorkoutsThisMonth, MonthKey(e.Timestamp), MonthKey(now), isWorkout)

	day := e.Day()
	if a.LastActivityDate == nil || day.After(*a.LastActivityDate) {
		fields["lastActivityDate"] = day
		a.LastActivityDate = &day
	}
	return fields, a
}

// applyPeriod keeps a period counter in line with the current period. Only
// workouts inside the current period count.
func applyPeriod(fields store.Data, keyField, countField, storedKey string, storedCount float64, eventKey, currentKey string, counts bool) (string, float64) {
	inPeriod := counts && eventKey == currentKey
	if storedKey != currentKey {
		fields[keyField] = currentKey
		if inPeriod {
			fields[countField] = 1
			return currentKey, 1
		}
		fields[countField] = 0
		return currentKey, 0
	}
	if inPeriod {
		fields[countField] = store.Increment(1)
		return storedKey, storedCount + 1
	}
	return storedKey, storedCount
}

func mergeBestWeights(current, workout map[string]float64) (map[string]float64, bool) {
	changed := false
	merged := make(map[string]float64, len(current)+len(workout))
	for name, w := range current {
		merged[name] = w
	}
	for name, w := range workout {
		if w > merged[name] {
			merged[name] = w
			changed = true
		}
	}
	return merged, changed
}

// Get returns the analytics of a user. A user without any activity gets an
// empty record.
func (s *Service) Get(ctx context.Context, userID string) (_ *UserAnalytics, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.get")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if userID == "" {
		return nil, apperrors.Validation("analytics.get", "user id missing")
	}

	snap, err := remote.Call(ctx, s.coordinator, "analytics.get", func(ctx context.Context) (*store.Snapshot, error) {
		return s.store.Get(ctx, store.Doc(Collection, userID))
	})
	if err != nil {
		return nil, err
	}

	a := &UserAnalytics{UserID: userID}
	if !snap.Exists {
		return a, nil
	}
	if err := store.Decode(snap.Data, a); err != nil {
		return nil, apperrors.DataCorruption("analytics.get", "analytics "+userID, err)
	}
	return a, nil
}

// Streak recomputes the streak of a user from the workout history and
// stores it.
func (s *Service) Streak(ctx context.Context, userID string) (_ streak.Result, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.streak")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	a, err := s.Get(ctx, userID)
	if err != nil {
		return streak.Result{}, err
	}
	return s.recomputeStreak(ctx, userID, *a)
}

func (s *Service) recomputeStreak(ctx context.Context, userID string, a UserAnalytics) (streak.Result, error) {
	workouts, err := s.ListActivities(ctx, ActivityFilter{UserID: userID, Kind: activity.KindWorkout})
	if err != nil {
		return streak.Result{}, fmt.Errorf("list workouts: %w", err)
	}

	dates := make([]time.Time, 0, len(workouts))
	for _, w := range workouts {
		dates = append(dates, w.Timestamp)
	}
	res := streak.Calculate(dates, s.now(), s.toleranceDays)
	if res.Current == a.CurrentStreak && res.Longest == a.LongestStreak {
		return res, nil
	}

	ref := store.Doc(Collection, userID)
	if err := s.coordinator.Do(ctx, "analytics.streak", func(ctx context.Context) error {
		return s.store.Set(ctx, ref, store.Data{
			"userId":        userID,
			"currentStreak": res.Current,
			"longestStreak": res.Longest,
			"updatedAt":     store.ServerTimestamp,
		}, store.Merge())
	}); err != nil {
		return streak.Result{}, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewStreakUpdatedEvent(events.StreakUpdated{
			UserID:    userID,
			Current:   res.Current,
			Longest:   res.Longest,
			Timestamp: s.now().UTC(),
		}))
	}
	return res, nil
}

type ActivityFilter struct {
	UserID string
	Kind   activity.Kind
	From   *time.Time
	To     *time.Time
	// Limit 0 means no limit.
	Limit int
}

// ListActivities returns the stored activities of a user, newest first.
func (s *Service) ListActivities(ctx context.Context, filter ActivityFilter) (_ []activity.Event, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.list_activities")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if filter.UserID == "" {
		return nil, apperrors.Validation("analytics.list_activities", "user id missing")
	}

	q := store.NewQuery(activity.Collection).
		Where("userId", store.OpEq, filter.UserID).
		Order("timestamp", true)
	if filter.Kind != "" {
		q = q.Where("kind", store.OpEq, filter.Kind.String())
	}
	if filter.From != nil {
		q = q.Where("timestamp", store.OpGte, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		q = q.Where("timestamp", store.OpLte, filter.To.UTC().Format(time.RFC3339Nano))
	}
	if filter.Limit > 0 {
		q = q.WithLimit(filter.Limit)
	}

	snaps, err := remote.Call(ctx, s.coordinator, "analytics.list_activities", func(ctx context.Context) ([]store.Snapshot, error) {
		return s.store.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	out := make([]activity.Event, 0, len(snaps))
	for _, snap := range snaps {
		var e activity.Event
		if err := store.Decode(snap.Data, &e); err != nil {
			log.Warnf("analytics: skip undecodable activity %s: %s", snap.Ref, err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SyncBiometrics stores the latest biometric sample of a user.
func (s *Service) SyncBiometrics(ctx context.Context, userID string, sample Sample) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.sync_biometrics")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if userID == "" {
		return apperrors.Validation("analytics.sync_biometrics", "user id missing")
	}
	if err := pkg.ValidateStruct(sample); err != nil {
		return apperrors.ValidationWrap("analytics.sync_biometrics", err)
	}
	ts := sample.Timestamp.UTC()
	if sample.Timestamp.IsZero() {
		ts = s.now().UTC()
	}

	fields := store.Data{
		"userId": userID,
		"cardioMetrics": CardioMetrics{
			Steps:     sample.Steps,
			Distance:  sample.Distance,
			Calories:  sample.Calories,
			HeartRate: sample.HeartRate,
			UpdatedAt: &ts,
		},
		"updatedAt": store.ServerTimestamp,
	}
	if sample.Weight != nil {
		fields["bodyMetrics"] = BodyMetrics{Weight: sample.Weight, UpdatedAt: &ts}
	}

	ref := store.Doc(Collection, userID)
	return s.coordinator.Do(ctx, "analytics.sync_biometrics", func(ctx context.Context) error {
		return s.store.Set(ctx, ref, fields, store.Merge())
	})
}

// RollOverPeriods resets the weekly and monthly counters of every record
// still holding a past period. It returns how many records were reset.
func (s *Service) RollOverPeriods(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.roll_over")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	weekKey, monthKey := WeekKey(now), MonthKey(now)
	stale := map[string]bool{}
	for _, q := range []store.Query{
		store.NewQuery(Collection).Where("weekKey", store.OpNeq, weekKey),
		store.NewQuery(Collection).Where("monthKey", store.OpNeq, monthKey),
	} {
		snaps, err := remote.Call(ctx, s.coordinator, "analytics.roll_over.query", func(ctx context.Context) ([]store.Snapshot, error) {
			return s.store.Query(ctx, q)
		})
		if err != nil {
			return 0, err
		}
		for _, snap := range snaps {
			stale[snap.Ref.ID] = true
		}
	}

	var errs error
	reset := 0
	for userID := range stale {
		ref := store.Doc(Collection, userID)
		changed := false
		err := s.coordinator.Do(ctx, "analytics.roll_over", func(ctx context.Context) error {
			return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
				changed = false
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				if !snap.Exists {
					return nil
				}
				fields := store.Data{}
				if k, _ := snap.Data["weekKey"].(string); k != weekKey {
					fields["weekKey"] = weekKey
					fields["workoutsThisWeek"] = 0
				}
				if k, _ := snap.Data["monthKey"].(string); k != monthKey {
					fields["monthKey"] = monthKey
					fields["workoutsThisMonth"] = 0
				}
				if len(fields) == 0 {
					return nil
				}
				changed = true
				fields["updatedAt"] = store.ServerTimestamp
				return tx.Update(ref, fields)
			})
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("roll over %s: %w", userID, err))
			continue
		}
		if changed {
			reset++
		}
	}

	log.Debugf("analytics: rolled over %d records to %s / %s", reset, weekKey, monthKey)
	return reset, errs
}

type ReevaluateResult struct {
	Achievements   []achievements.Achievement `json:"achievements"`
	CompletedGoals []goals.Goal               `json:"completedGoals"`
	Streak         streak.Result              `json:"streak"`
}

// Reevaluate repairs everything derived from the analytics of a user after
// a failed or partial Record.
func (s *Service) Reevaluate(ctx context.Context, userID string) (_ *ReevaluateResult, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "analytics.reevaluate")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	a, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &ReevaluateResult{}
	var errs error
	if s.achievements != nil {
		earned, err := s.achievements.Reconcile(ctx, userID, a.AchievementProgress())
		errs = multierr.Append(errs, err)
		res.Achievements = earned
	}

	st, err := s.recomputeStreak(ctx, userID, *a)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		res.Streak = st
		a.CurrentStreak = st.Current
		a.LongestStreak = st.Longest
	}

	if s.goals != nil {
		completed, err := s.goals.Evaluate(ctx, userID, a.GoalProgress())
		errs = multierr.Append(errs, err)
		res.CompletedGoals = completed
	}
	return res, errs
}

func (s *Service) countActivity(kind activity.Kind, result string) {
	if s.metrics != nil {
		s.metrics.CounterActivities.WithLabelValues(kind.String(), result).Inc()
	}
}
