package pkg

import (
	"encoding/json"
	"net/http"

	"github.com/2beens/fitsync/internal/apperrors"

	log "github.com/sirupsen/logrus"
)

// StatusClientClosedRequest is the nginx convention for a request the client
// gave up on before the response was ready.
const StatusClientClosedRequest = 499

var ContentType = struct {
	JSON        string
	Text        string
	EventStream string
}{
	JSON:        "application/json",
	Text:        "text/plain; charset=utf-8",
	EventStream: "text/event-stream",
}

func WriteResponse(w http.ResponseWriter, contentType, message string, statusCode int) {
	WriteResponseBytes(w, contentType, []byte(message), statusCode)
}

func WriteResponseBytes(w http.ResponseWriter, contentType string, message []byte, statusCode int) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(statusCode)

	if _, err := w.Write(message); err != nil {
		log.Errorf("failed to write response [%s]: %s", message, err)
	}
}

func WriteTextResponseOK(w http.ResponseWriter, message string) {
	WriteResponse(w, ContentType.Text, message, http.StatusOK)
}

// WriteJSON marshals v and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Errorf("marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	WriteResponseBytes(w, ContentType.JSON, body, statusCode)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteError maps the kind of err to an HTTP status code. Server side
// failures are logged and their details are not sent to the client.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := HTTPStatus(kind)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %s", err)
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, errorResponse{Error: msg, Kind: kind.String()})
}

func HTTPStatus(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthentication:
		return http.StatusUnauthorized
	case apperrors.KindAuthorization:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
