package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/fitness/activity"
	"github.com/2beens/fitsync/internal/fitness/analytics"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/store/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	promcl "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[development]
store_backend = "memory"
allowed_origins = ["http://localhost:8080"]
rollover_cron = "@every 1h"
`

type testServer struct {
	server *Server
	router *mux.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load("dev", path)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	server, err := NewServer(context.Background(), NewServerParams{
		Config:      cfg,
		VersionInfo: "test-version",
		RedisClient: rdb,
		Store:       memstore.New(),
	})
	require.NoError(t, err)
	t.Cleanup(server.GracefulShutdown)

	router, err := server.routerSetup()
	require.NoError(t, err)
	return &testServer{server: server, router: router}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func TestServer_HealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, "test-version", rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/activities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodGet, "/activities", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_UserJourney(t *testing.T) {
	ts := newTestServer(t)

	creds := map[string]string{"username": "runner", "password": "secret-pass"}
	rr := ts.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	token := login.Token
	require.NotEmpty(t, token)

	w := activity.Event{
		ID:        "w1",
		Kind:      activity.KindWorkout,
		Timestamp: time.Now().UTC().Add(-time.Hour),
		Workout: &activity.WorkoutPayload{
			Name:            "Leg day",
			DurationMinutes: 50,
			Exercises: []activity.Exercise{{
				Name:           "Squat",
				PrimaryMuscles: []string{"quads"},
				Sets:           []activity.ExerciseSet{{Reps: 5, Weight: 100, Completed: true}},
			}},
		},
	}
	rr = ts.do(t, http.MethodPost, "/activities", token, w)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/analytics", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var a analytics.UserAnalytics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &a))
	assert.Equal(t, float64(1), a.TotalWorkouts)
	assert.Equal(t, float64(500), a.TotalVolume)

	// the first workout earns an achievement, its notification lands in the inbox
	assert.Eventually(t, func() bool {
		rr := ts.do(t, http.MethodGet, "/notifications", token, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		var inbox []notify.Notification
		return json.Unmarshal(rr.Body.Bytes(), &inbox) == nil && len(inbox) > 0
	}, 3*time.Second, 20*time.Millisecond)

	// published events are persisted by the bus subscriber
	rr = ts.do(t, http.MethodGet, "/events", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var evs []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &evs))
	assert.NotEmpty(t, evs)

	rr = ts.do(t, http.MethodPost, "/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodGet, "/analytics", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	requests := counterSum(t, ts.server, "fitsync_core_request")
	assert.GreaterOrEqual(t, requests, float64(8))
}

func counterSum(t *testing.T, s *Server, name string) float64 {
	t.Helper()

	families, err := s.promRegistry.Gather()
	require.NoError(t, err)

	var family *promcl.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			family = f
			break
		}
	}
	require.NotNil(t, family, "metric %s not registered", name)

	sum := 0.0
	for _, m := range family.GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}
