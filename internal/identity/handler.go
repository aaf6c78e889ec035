package identity

import (
	"net/http"
	"strings"

	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
	}
}

type loginResponse struct {
	Token string `json:"token"`
}

// SetupRoutes mounts the handler under /auth; mws only wrap the auth routes.
func (h *Handler) SetupRoutes(router *mux.Router, mws ...mux.MiddlewareFunc) {
	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.Use(mws...)
	authRouter.HandleFunc("/register", h.HandleRegister).Methods("POST", "OPTIONS").Name("register")
	authRouter.HandleFunc("/login", h.HandleLogin).Methods("POST", "OPTIONS").Name("login")
	authRouter.HandleFunc("/logout", h.HandleLogout).Methods("POST", "OPTIONS").Name("logout")
}

// BearerToken extracts the session token from the Authorization header. A
// bare token (without the Bearer scheme) is accepted too.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return header
	}
	if !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.register")
	defer span.End()

	var creds Credentials
	if err := pkg.DecodeJSON(w, r, "identity.register", &creds); err != nil {
		pkg.WriteError(w, err)
		return
	}
	user, err := h.service.Register(ctx, creds)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusCreated, user)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.login")
	defer span.End()

	var creds Credentials
	if err := pkg.DecodeJSON(w, r, "identity.login", &creds); err != nil {
		pkg.WriteError(w, err)
		return
	}
	token, err := h.service.Login(ctx, creds)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		log.Debugf("login %s failed: %s", creds.Username, err)
		pkg.WriteError(w, err)
		return
	}
	pkg.WriteJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.logout")
	defer span.End()

	token := BearerToken(r)
	if token == "" {
		pkg.WriteError(w, sessionNotFound("identity.logout"))
		return
	}
	loggedOut, err := h.service.Logout(ctx, token)
	if err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		log.Errorf("logout: %s", err)
		pkg.WriteError(w, err)
		return
	}
	if !loggedOut {
		pkg.WriteError(w, sessionNotFound("identity.logout"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
