package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/social"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultHeartbeat = 25 * time.Second

type Handler struct {
	manager   *Manager
	heartbeat time.Duration
}

func NewHandler(manager *Manager, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		manager:   manager,
		heartbeat: heartbeat,
	}
}

// HandleStream streams the feed of the current user as server-sent events.
// Every change sends the whole feed; a slow client only gets the latest one.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.feed.stream")
	defer span.End()

	userID, err := identity.RequireUser(ctx, "feed.stream")
	if err != nil {
		pkg.WriteError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		pkg.WriteError(w, apperrors.Validation("feed.stream", "streaming not supported"))
		return
	}

	updates := make(chan []social.Post, 1)
	name := "sse:" + userID + ":" + uuid.NewString()
	if err := h.manager.Start(r.Context(), name, userID, func(posts []social.Post) {
		// keep only the latest feed
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- posts:
		default:
		}
	}); err != nil {
		tracing.EndSpanWithErrCheck(span, err)
		pkg.WriteError(w, err)
		return
	}
	defer h.manager.Stop(name)

	w.Header().Set("Content-Type", pkg.ContentType.EventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Tracef("feed: stream %s closed by client", name)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case posts := <-updates:
			body, err := json.Marshal(posts)
			if err != nil {
				log.Errorf("feed: marshal posts for %s: %s", name, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: feed\ndata: %s\n\n", body); err != nil {
				log.Debugf("feed: write to %s: %s", name, err)
				return
			}
			flusher.Flush()
		}
	}
}
