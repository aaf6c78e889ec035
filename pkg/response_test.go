package pkg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2beens/fitsync/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestHttpResponseWriter struct {
	HeaderMap  http.Header
	Body       []byte
	StatusCode int
}

func (w *TestHttpResponseWriter) Header() http.Header {
	return w.HeaderMap
}

func (w *TestHttpResponseWriter) Write(bytes []byte) (int, error) {
	w.Body = bytes
	return len(bytes), nil
}

func (w *TestHttpResponseWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
}

func TestWriteResponseBytes(t *testing.T) {
	w := &TestHttpResponseWriter{
		HeaderMap: make(http.Header),
	}

	testJson := `{"key":"val"}`
	WriteResponseBytes(w, ContentType.JSON, []byte(testJson), http.StatusCreated)

	assert.Equal(t, http.StatusCreated, w.StatusCode)
	assert.Equal(t, ContentType.JSON, w.HeaderMap.Get("Content-Type"))
	assert.Equal(t, testJson, string(w.Body))
}

func TestWriteTextResponseOK(t *testing.T) {
	w := &TestHttpResponseWriter{
		HeaderMap: make(http.Header),
	}

	testText := `test text`
	WriteTextResponseOK(w, testText)

	assert.Equal(t, http.StatusOK, w.StatusCode)
	assert.Equal(t, ContentType.Text, w.HeaderMap.Get("Content-Type"))
	assert.Equal(t, testText, string(w.Body))
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusAccepted, map[string]int{"likes": 3})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, ContentType.JSON, rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"likes":3}`, rr.Body.String())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{apperrors.Validation("op", "bad"), http.StatusBadRequest, "op: [validation] bad"},
		{apperrors.Authentication("op", "who"), http.StatusUnauthorized, "op: [authentication] who"},
		{apperrors.Authorization("op", "nope"), http.StatusForbidden, "op: [authorization] nope"},
		{apperrors.NotFound("op", "gone"), http.StatusNotFound, "op: [not_found] gone"},
		{apperrors.Transient("op", apperrors.ReasonUnavailable, errors.New("db down")), http.StatusServiceUnavailable, "Service Unavailable"},
		{apperrors.Timeout("op", errors.New("slow")), http.StatusGatewayTimeout, "Gateway Timeout"},
		{apperrors.Context("op", context.Canceled), StatusClientClosedRequest, "op: [canceled] context canceled"},
		{errors.New("secret details"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tc := range tests {
		t.Run(tc.wantMsg, func(t *testing.T) {
			rr := httptest.NewRecorder()
			WriteError(rr, tc.err)
			assert.Equal(t, tc.wantStatus, rr.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantMsg, resp.Error)
		})
	}
}
