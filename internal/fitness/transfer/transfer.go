package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/activity"
	"github.com/2beens/fitsync/internal/fitness/analytics"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=$GOFILE -destination=transfer_mocks_test.go -package=transfer_test

const (
	DefaultParallelism = 4
	MaxBatchRows       = 5000
)

type activityRecorder interface {
	Record(ctx context.Context, e activity.Event) (*analytics.RecordResult, error)
	ListActivities(ctx context.Context, filter analytics.ActivityFilter) ([]activity.Event, error)
}

type Service struct {
	recorder    activityRecorder
	parallelism int
	metrics     *metrics.Manager
}

func NewService(recorder activityRecorder, parallelism int, m *metrics.Manager) *Service {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Service{
		recorder:    recorder,
		parallelism: parallelism,
		metrics:     m,
	}
}

type Report struct {
	Recorded   int        `json:"recorded"`
	Duplicates int        `json:"duplicates"`
	Failed     []RowError `json:"failed,omitempty"`
}

type pending struct {
	kind  activity.Kind
	row   int
	event activity.Event
}

// Import records every row of the batch for the user. Rows are independent:
// a bad row ends up in the report and does not stop the rest. Only a
// cancelled context aborts the import.
func (s *Service) Import(ctx context.Context, userID string, batch Batch) (_ *Report, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "transfer.import")
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("rows.workouts", len(batch.Workouts)),
		attribute.Int("rows.nutrition", len(batch.Nutrition)),
	)
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if userID == "" {
		return nil, apperrors.Validation("transfer.import", "user id missing")
	}
	if len(batch.Workouts)+len(batch.Nutrition) > MaxBatchRows {
		return nil, apperrors.Validation("transfer.import", "too many rows")
	}

	report := &Report{}
	var todo []pending
	for i, row := range batch.Workouts {
		e, err := WorkoutEvent(userID, row)
		if err != nil {
			report.Failed = append(report.Failed, RowError{Kind: activity.KindWorkout, Row: i, Err: err.Error()})
			s.count(activity.KindWorkout, "invalid")
			continue
		}
		todo = append(todo, pending{kind: activity.KindWorkout, row: i, event: e})
	}

	meals, firstRows, rowErrs := nutritionEvents(userID, batch.Nutrition)
	for range rowErrs {
		s.count(activity.KindNutrition, "invalid")
	}
	report.Failed = append(report.Failed, rowErrs...)
	for i, e := range meals {
		todo = append(todo, pending{kind: activity.KindNutrition, row: firstRows[i], event: e})
	}

	var mutex sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, p := range todo {
		p := p
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			res, err := s.recorder.Record(gCtx, p.event)

			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, RowError{Kind: p.kind, Row: p.row, ActivityID: p.event.ID, Err: err.Error()})
				s.count(p.kind, "failed")
			case res.Recorded:
				report.Recorded++
				s.count(p.kind, "recorded")
			default:
				report.Duplicates++
				s.count(p.kind, "duplicate")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Context("transfer.import", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Context("transfer.import", err)
	}

	sortRowErrors(report.Failed)
	log.Infof("transfer: import for %s: %d recorded, %d duplicates, %d failed", userID, report.Recorded, report.Duplicates, len(report.Failed))
	return report, nil
}

// Export flattens the activities of the user in [from, to]. Nil bounds are
// open.
func (s *Service) Export(ctx context.Context, userID string, from, to *time.Time) (_ *Batch, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "transfer.export")
	span.SetAttributes(attribute.String("user.id", userID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	evts, err := s.recorder.ListActivities(ctx, analytics.ActivityFilter{
		UserID: userID,
		From:   from,
		To:     to,
	})
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Workouts:  []WorkoutRow{},
		Nutrition: []NutritionRow{},
	}
	// oldest first, the way spreadsheets keep them
	for i := len(evts) - 1; i >= 0; i-- {
		e := evts[i]
		switch e.Kind {
		case activity.KindWorkout:
			batch.Workouts = append(batch.Workouts, WorkoutRowOf(e))
		case activity.KindNutrition:
			batch.Nutrition = append(batch.Nutrition, NutritionRowsOf(e)...)
		}
	}
	return batch, nil
}

func (s *Service) count(kind activity.Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.CounterImportedRows.WithLabelValues(kind.String(), outcome).Inc()
	}
}
