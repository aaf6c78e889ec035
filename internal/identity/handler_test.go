package identity

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"":                   "",
		"Bearer abc":         "abc",
		"bearer   abc  ":     "abc",
		"abc":                "abc",
		"Basic dXNlcjpwdw==": "",
	} {
		r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		r.Header.Set("Authorization", header)
		assert.Equal(t, want, BearerToken(r), header)
	}
}

func TestHandler_RegisterLoginLogout(t *testing.T) {
	f := newFixture(t)
	router := mux.NewRouter()
	NewHandler(f.service).SetupRoutes(router)

	post := func(path, token string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	creds := Credentials{Username: "swimmer", Password: "secret-pass"}
	rr := post("/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var user User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &user))
	assert.Equal(t, "swimmer", user.Username)

	rr = post("/auth/register", "", creds)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = post("/auth/login", "", Credentials{Username: "swimmer", Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = post("/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rr.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	rr = post("/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = post("/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = post("/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
