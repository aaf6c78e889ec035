// Package fitness serves the activity, analytics, goal, achievement and
// import/export endpoints of the current user.
package fitness

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/fitness/achievements"
	"github.com/2beens/fitsync/internal/fitness/activity"
	"github.com/2beens/fitsync/internal/fitness/analytics"
	"github.com/2beens/fitsync/internal/fitness/goals"
	"github.com/2beens/fitsync/internal/fitness/streak"
	"github.com/2beens/fitsync/internal/fitness/transfer"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type analyticsService interface {
	Record(ctx context.Context, e activity.Event) (*analytics.RecordResult, error)
	ListActivities(ctx context.Context, filter analytics.ActivityFilter) ([]activity.Event, error)
	Get(ctx context.Context, userID string) (*analytics.UserAnalytics, error)
	Streak(ctx context.Context, userID string) (streak.Result, error)
	SyncBiometrics(ctx context.Context, userID string, sample analytics.Sample) error
	Reevaluate(ctx context.Context, userID string) (*analytics.ReevaluateResult, error)
}

type goalTracker interface {
	Create(ctx context.Context, userID string, params goals.CreateParams) (*goals.Goal, error)
	List(ctx context.Context, userID string, activeOnly bool) ([]goals.Goal, error)
}

type achievementLister interface {
	List(ctx context.Context, userID string) ([]achievements.Achievement, error)
}

type transferService interface {
	Import(ctx context.Context, userID string, batch transfer.Batch) (*transfer.Report, error)
	Export(ctx context.Context, userID string, from, to *time.Time) (*transfer.Batch, error)
}

type Handler struct {
	analytics    analyticsService
	goals        goalTracker
	achievements achievementLister
	transfer     transferService
}

func NewHandler(
	analyticsService analyticsService,
	goalTracker goalTracker,
	achievementLister achievementLister,
	transferService transferService,
) *Handler {
	return &Handler{
		analytics:    analyticsService,
		goals:        goalTracker,
		achievements: achievementLister,
		transfer:     transferService,
	}
}

func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/activities", h.HandleRecord).Methods("POST", "OPTIONS").Name("record-activity")
	router.HandleFunc("/activities", h.HandleListActivities).Methods("GET", "OPTIONS").Name("list-activities")
	router.HandleFunc("/analytics", h.HandleAnalytics).Methods("GET", "OPTIONS").Name("get-analytics")
	router.HandleFunc("/analytics/streak", h.HandleStreak).Methods("GET", "OPTIONS").Name("get-streak")
	router.HandleFunc("/analytics/reevaluate", h.HandleReevaluate).Methods("POST", "OPTIONS").Name("reevaluate")
	router.HandleFunc("/analytics/biometrics", h.HandleBiometrics).Methods("POST", "OPTIONS").Name("sync-biometrics")
	router.HandleFunc("/goals", h.HandleCreateGoal).Methods("POST", "OPTIONS").Name("new-goal")
	router.HandleFunc("/goals", h.HandleListGoals).Methods("GET", "OPTIONS").Name("list-goals")
	router.HandleFunc("/achievements", h.HandleListAchievements).Methods("GET", "OPTIONS").Name("list-achievements")
	router.HandleFunc("/transfer/import", h.HandleImport).Methods("POST", "OPTIONS").Name("import")
	router.HandleFunc("/transfer/export", h.HandleExport).Methods("GET", "OPTIONS").Name("export")
}

// HandleRecord stores a completed activity of the current user. A client may
// pick the activity id to make retries safe; otherwise one is generated.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.activities.record")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "activities.record")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}

	var e activity.Event
	if err := pkg.DecodeJSON(w, r, "activities.record", &e); err != nil {
		pkg.WriteError(w, err)
		return
	}
	if e.UserID == "" {
		e.UserID = userID
	}
	if err := identity.Authorize("activities.record", userID, e.UserID); err != nil {
		pkg.WriteError(w, err)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	res, err := h.analytics.Record(ctx, e)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if !res.Recorded {
		status = http.StatusOK
	}
	pkg.WriteJSON(w, status, res)
}

// HandleListActivities accepts the optional query params kind, from, to
// (RFC 3339) and size.
func (h *Handler) HandleListActivities(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.activities.list")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "activities.list")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}

	filter := analytics.ActivityFilter{UserID: userID}
	query := r.URL.Query()
	if kindParam := query.Get("kind"); kindParam != "" {
		filter.Kind = activity.Kind(kindParam)
		if !filter.Kind.IsValid() {
			pkg.WriteError(w, apperrors.Validation("activities.list", "invalid kind: "+kindParam))
			return
		}
	}
	if filter.From, filter.To, err = timeRange(r, "activities.list"); err != nil {
		pkg.WriteError(w, err)
		return
	}
	if sizeParam := query.Get("size"); sizeParam != "" {
		size, err := strconv.Atoi(sizeParam)
		if err != nil || size <= 0 {
			pkg.WriteError(w, apperrors.Validation("activities.list", "invalid size param"))
			return
		}
		filter.Limit = size
	}

	evts, err := h.analytics.ListActivities(ctx, filter)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, evts)
}

func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.analytics.get")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "analytics.get")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	a, err := h.analytics.Get(ctx, userID)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) HandleStreak(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.analytics.streak")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "analytics.streak")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	res, err := h.analytics.Streak(ctx, userID)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, res)
}

// HandleReevaluate repairs achievements, goals and the streak of the current
// user from the stored analytics.
func (h *Handler) HandleReevaluate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.analytics.reevaluate")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "analytics.reevaluate")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	res, err := h.analytics.Reevaluate(ctx, userID)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleBiometrics(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.analytics.biometrics")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "analytics.biometrics")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	var sample analytics.Sample
	if err := pkg.DecodeJSON(w, r, "analytics.biometrics", &sample); err != nil {
		pkg.WriteError(w, err)
		return
	}
	if err := h.analytics.SyncBiometrics(ctx, userID, sample); err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCreateGoal(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.goals.create")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "goals.create")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	var params goals.CreateParams
	if err := pkg.DecodeJSON(w, r, "goals.create", &params); err != nil {
		pkg.WriteError(w, err)
		return
	}
	g, err := h.goals.Create(ctx, userID, params)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusCreated, g)
}

// HandleListGoals lists all goals, or only the active ones with active=true.
func (h *Handler) HandleListGoals(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.goals.list")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "goals.list")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	activeOnly := false
	if activeParam := r.URL.Query().Get("active"); activeParam != "" {
		activeOnly, err = strconv.ParseBool(activeParam)
		if err != nil {
			pkg.WriteError(w, apperrors.Validation("goals.list", "invalid active param"))
			return
		}
	}
	list, err := h.goals.List(ctx, userID, activeOnly)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleListAchievements(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.achievements.list")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "achievements.list")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	list, err := h.achievements.List(ctx, userID)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.transfer.import")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "transfer.import")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	var batch transfer.Batch
	if err := pkg.DecodeJSON(w, r, "transfer.import", &batch); err != nil {
		pkg.WriteError(w, err)
		return
	}
	report, err := h.transfer.Import(ctx, userID, batch)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, report)
}

// HandleExport accepts the optional query params from and to (RFC 3339).
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.transfer.export")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "transfer.export")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	from, to, err := timeRange(r, "transfer.export")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	batch, err := h.transfer.Export(ctx, userID, from, to)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, batch)
}

func timeRange(r *http.Request, op string) (from, to *time.Time, err error) {
	query := r.URL.Query()
	for name, target := range map[string]**time.Time{"from": &from, "to": &to} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, apperrors.Validation(op, "invalid "+name+" param")
		}
		*target = &t
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, apperrors.Validation(op, "to is before from")
	}
	return from, to, nil
}
