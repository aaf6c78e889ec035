package social_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/social"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req = req.WithContext(identity.WithUserID(req.Context(), userID))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandler_PostsAndLikes(t *testing.T) {
	f := newFixture(t, "author", "fan")
	router := mux.NewRouter()
	social.NewHandler(f.manager).SetupRoutes(router)

	rr := serve(t, router, http.MethodPost, "/posts", "", social.CreatePostParams{Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, router, http.MethodPost, "/posts", "author", social.CreatePostParams{Content: "new PR"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var p social.Post
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))

	rr = serve(t, router, http.MethodPost, "/posts/"+p.ID+"/like", "fan", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"changed":true}`, rr.Body.String())
	rr = serve(t, router, http.MethodPost, "/posts/"+p.ID+"/like", "fan", nil)
	assert.JSONEq(t, `{"changed":false}`, rr.Body.String())

	rr = serve(t, router, http.MethodGet, "/posts/"+p.ID, "fan", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stored social.Post
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))
	assert.Equal(t, 1, stored.Likes)

	rr = serve(t, router, http.MethodDelete, "/posts/"+p.ID+"/like", "fan", nil)
	assert.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = serve(t, router, http.MethodPost, "/posts/missing/like", "fan", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_Follow(t *testing.T) {
	f := newFixture(t, "u1", "u2")
	router := mux.NewRouter()
	social.NewHandler(f.manager).SetupRoutes(router)

	rr := serve(t, router, http.MethodPost, "/users/u2/follow", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = serve(t, router, http.MethodPost, "/users/u1/follow", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, http.MethodGet, "/users/u2", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var profile social.Profile
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &profile))
	assert.Equal(t, 1, profile.Followers)
	assert.Equal(t, []string{"u1"}, profile.FollowerIDs)

	rr = serve(t, router, http.MethodDelete, "/users/u2/follow", "u1", nil)
	assert.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = serve(t, router, http.MethodGet, "/users/ghost", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
