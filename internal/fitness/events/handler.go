package events

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"
)

//go:generate mockgen -source=$GOFILE -destination=events_mocks_test.go -package=events_test

type eventsLister interface {
	List(ctx context.Context, params ListParams) ([]Event, error)
}

type Handler struct {
	repo eventsLister
}

func NewHandler(repo eventsLister) *Handler {
	return &Handler{
		repo: repo,
	}
}

// HandleList serves the events of the current user. Optional query params:
// type, from, to (RFC 3339) and size.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.events.list")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "events.list")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}

	params, err := listParamsFromRequest(r)
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	params.UserID = userID

	events, err := h.repo.List(ctx, params)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, events)
}

func listParamsFromRequest(r *http.Request) (ListParams, error) {
	var params ListParams
	query := r.URL.Query()

	if typeParam := query.Get("type"); typeParam != "" {
		et := EventType(typeParam)
		if !et.IsValid() {
			return params, apperrors.Validation("events.list", "invalid event type: "+typeParam)
		}
		params.Type = &et
	}
	for name, target := range map[string]**time.Time{"from": &params.From, "to": &params.To} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, apperrors.Validation("events.list", "invalid "+name+" param")
		}
		*target = &t
	}
	if sizeParam := query.Get("size"); sizeParam != "" {
		size, err := strconv.Atoi(sizeParam)
		if err != nil || size <= 0 {
			return params, apperrors.Validation("events.list", "invalid size param")
		}
		params.Size = size
	}
	return params, nil
}
