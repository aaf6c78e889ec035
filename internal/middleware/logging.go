package middleware

import (
	"net/http"
	"time"

	"github.com/2beens/fitsync/internal/logging"

	log "github.com/sirupsen/logrus"
)

func LogRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			logging.FromContext(r.Context()).WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"ua":       r.Header.Get("User-Agent"),
				"duration": time.Since(start).String(),
			}).Trace(" ====> request")
		})
	}
}
