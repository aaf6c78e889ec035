package notify

import (
	"net/http"
	"strconv"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/gorilla/mux"
)

const defaultInboxSize = 50

type Handler struct {
	inbox *StoreDispatcher
}

func NewHandler(inbox *StoreDispatcher) *Handler {
	return &Handler{
		inbox: inbox,
	}
}

func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/notifications", h.HandleInbox).Methods("GET", "OPTIONS").Name("notifications")
	router.HandleFunc("/notifications/{id}/read", h.HandleMarkRead).Methods("POST", "OPTIONS").Name("notification-read")
}

// HandleInbox lists the notifications of the current user. Optional query
// params: unread (bool) and size.
func (h *Handler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.notifications.inbox")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "notifications.inbox")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}

	query := r.URL.Query()
	unreadOnly := false
	if raw := query.Get("unread"); raw != "" {
		if unreadOnly, err = strconv.ParseBool(raw); err != nil {
			pkg.WriteError(w, apperrors.Validation("notifications.inbox", "invalid unread param"))
			return
		}
	}
	size := defaultInboxSize
	if raw := query.Get("size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil || size <= 0 {
			pkg.WriteError(w, apperrors.Validation("notifications.inbox", "invalid size param"))
			return
		}
	}

	list, err := h.inbox.Inbox(ctx, userID, unreadOnly, size)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.notifications.read")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "notifications.read")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	if err := h.inbox.MarkRead(ctx, userID, mux.Vars(r)["id"]); err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
