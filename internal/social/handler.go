package social

import (
	"context"
	"net/http"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/gorilla/mux"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager: manager,
	}
}

type toggleResponse struct {
	Changed bool `json:"changed"`
}

func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/posts", h.HandleCreatePost).Methods("POST", "OPTIONS").Name("new-post")
	router.HandleFunc("/posts/{id}", h.HandleGetPost).Methods("GET", "OPTIONS").Name("get-post")
	router.HandleFunc("/posts/{id}/like", h.toggle(ActionLike)).Methods("POST", "OPTIONS").Name("like-post")
	router.HandleFunc("/posts/{id}/like", h.toggle(ActionUnlike)).Methods("DELETE", "OPTIONS").Name("unlike-post")
	router.HandleFunc("/users/{id}", h.HandleGetProfile).Methods("GET", "OPTIONS").Name("get-profile")
	router.HandleFunc("/users/{id}/follow", h.toggle(ActionFollow)).Methods("POST", "OPTIONS").Name("follow-user")
	router.HandleFunc("/users/{id}/follow", h.toggle(ActionUnfollow)).Methods("DELETE", "OPTIONS").Name("unfollow-user")
}

func (h *Handler) HandleCreatePost(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.posts.create")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "posts.create")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	var params CreatePostParams
	if err := pkg.DecodeJSON(w, r, "posts.create", &params); err != nil {
		pkg.WriteError(w, err)
		return
	}
	p, err := h.manager.CreatePost(ctx, userID, params)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) HandleGetPost(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.posts.get")
	defer span.End()

	p, err := h.manager.Post(ctx, mux.Vars(r)["id"])
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.get")
	defer span.End()

	p, err := h.manager.Profile(ctx, mux.Vars(r)["id"])
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, p)
}

// toggle serves like/unlike of the post {id} and follow/unfollow of the user
// {id} on behalf of the current user.
func (h *Handler) toggle(action Action) http.HandlerFunc {
	op := "social." + string(action)
	var fn func(ctx context.Context, actorID, targetID string) (bool, error)
	switch action {
	case ActionLike:
		fn = h.manager.Like
	case ActionUnlike:
		fn = h.manager.Unlike
	case ActionFollow:
		fn = h.manager.Follow
	case ActionUnfollow:
		fn = h.manager.Unfollow
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler."+op)
		defer span.End()

		userID, err := identity.RequireUser(ctx, op)
		if err != nil {
			pkg.WriteError(w, err)
			return
		}
		if fn == nil {
			pkg.WriteError(w, apperrors.Validation(op, "unsupported action"))
			return
		}
		changed, err := fn(ctx, userID, mux.Vars(r)["id"])
		if err != nil {
			tracing.EndSpanWithErrCheck(span, err)
			pkg.WriteError(w, err)
			return
		}
		pkg.WriteJSON(w, http.StatusOK, toggleResponse{Changed: changed})
	}
}
