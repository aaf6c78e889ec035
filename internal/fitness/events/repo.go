package events

import (
	"context"
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultListSize = 50
	MaxListSize     = 200
)

type ListParams struct {
	UserID string
	Type   *EventType
	From   *time.Time
	To     *time.Time
	Size   int
}

// Repo keeps the event history of every user in the document store.
type Repo struct {
	store       store.Store
	coordinator *remote.Coordinator
}

func NewRepo(s store.Store, coordinator *remote.Coordinator) *Repo {
	return &Repo{
		store:       s,
		coordinator: coordinator,
	}
}

func (r *Repo) Add(ctx context.Context, event Event) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.events.add")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	data, err := store.Encode(event)
	if err != nil {
		return apperrors.ValidationWrap("events.add", err)
	}

	ref := store.Doc(Collection, event.ID)
	return r.coordinator.Do(ctx, "events.add", func(ctx context.Context) error {
		return r.store.Set(ctx, ref, data)
	})
}

// Persist is a bus Handler storing every published event.
func (r *Repo) Persist(ctx context.Context, e Event) error {
	if err := r.Add(ctx, e); err != nil {
		return fmt.Errorf("persist event %s: %w", e.ID, err)
	}
	return nil
}

// List returns the events of a user, newest first. Undecodable documents are
// skipped.
func (r *Repo) List(ctx context.Context, params ListParams) (_ []Event, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.events.list")
	span.SetAttributes(attribute.String("user.id", params.UserID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if params.UserID == "" {
		return nil, apperrors.Validation("events.list", "user id missing")
	}
	size := params.Size
	if size <= 0 {
		size = DefaultListSize
	}
	if size > MaxListSize {
		size = MaxListSize
	}

	q := store.NewQuery(Collection).
		Where("userId", store.OpEq, params.UserID).
		Order("timestamp", true).
		WithLimit(size)
	if params.Type != nil {
		q = q.Where("type", store.OpEq, params.Type.String())
	}
	if params.From != nil {
		q = q.Where("timestamp", store.OpGte, *params.From)
	}
	if params.To != nil {
		q = q.Where("timestamp", store.OpLte, *params.To)
	}

	snaps, err := remote.Call(ctx, r.coordinator, "events.list", func(ctx context.Context) ([]store.Snapshot, error) {
		return r.store.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(snaps))
	for _, snap := range snaps {
		var e Event
		if err := store.Decode(snap.Data, &e); err != nil {
			log.Warnf("events: skip undecodable event %s: %s", snap.Ref, err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
