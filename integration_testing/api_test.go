//go:build integration_test || all_tests

package integration_testing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/fitness/activity"
	"github.com/2beens/fitsync/internal/fitness/analytics"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/social"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	identity.User
	token string
}

func httpGet(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp, nil
}

func doRequest(ctx context.Context, t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, serverEndpoint+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBytes
}

func newTestUser(ctx context.Context, t *testing.T) testUser {
	t.Helper()

	creds := identity.Credentials{
		Username: gofakeit.LetterN(12),
		Password: gofakeit.Password(true, true, true, false, false, 16),
	}
	status, body := doRequest(ctx, t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, status, string(body))

	var user testUser
	require.NoError(t, json.Unmarshal(body, &user.User))

	status, body = doRequest(ctx, t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, status, string(body))
	var loginResp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &loginResp))
	require.NotEmpty(t, loginResp.Token)
	user.token = loginResp.Token

	return user
}

func fakeWorkout(at time.Time) activity.Event {
	exercises := make([]activity.Exercise, 0, 3)
	for i := 0; i < 3; i++ {
		sets := make([]activity.ExerciseSet, 0, 4)
		for j := 0; j < 4; j++ {
			sets = append(sets, activity.ExerciseSet{
				Reps:      gofakeit.Number(5, 12),
				Weight:    float64(gofakeit.Number(20, 120)),
				Completed: true,
			})
		}
		exercises = append(exercises, activity.Exercise{
			Name:           gofakeit.RandomString([]string{"Squat", "Bench press", "Deadlift", "Row", "Overhead press"}),
			PrimaryMuscles: []string{gofakeit.RandomString([]string{"quads", "chest", "back", "shoulders"})},
			Sets:           sets,
		})
	}
	return activity.Event{
		ID:        gofakeit.UUID(),
		Kind:      activity.KindWorkout,
		Timestamp: at,
		Workout: &activity.WorkoutPayload{
			Name:            gofakeit.Word(),
			DurationMinutes: float64(gofakeit.Number(30, 90)),
			Exercises:       exercises,
		},
	}
}

func (s *IntegrationTestSuite) TestHealthAndAuth() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status, body := doRequest(ctx, t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test-version-info", string(body))

	status, _ = doRequest(ctx, t, http.MethodGet, "/analytics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	user := newTestUser(ctx, t)
	status, _ = doRequest(ctx, t, http.MethodGet, "/analytics", user.token, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = doRequest(ctx, t, http.MethodPost, "/auth/logout", user.token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = doRequest(ctx, t, http.MethodGet, "/analytics", user.token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func (s *IntegrationTestSuite) TestWorkoutsAndAnalytics() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	user := newTestUser(ctx, t)
	now := time.Now().UTC()

	expectedVolume := 0.0
	for day := 2; day >= 0; day-- {
		w := fakeWorkout(now.AddDate(0, 0, -day).Add(-time.Minute))
		for _, e := range w.Workout.Exercises {
			for _, set := range e.Sets {
				expectedVolume += float64(set.Reps) * set.Weight
			}
		}
		status, body := doRequest(ctx, t, http.MethodPost, "/activities", user.token, w)
		require.Equal(t, http.StatusCreated, status, string(body))
	}

	status, body := doRequest(ctx, t, http.MethodGet, "/analytics", user.token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var a analytics.UserAnalytics
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, float64(3), a.TotalWorkouts)
	assert.InDelta(t, expectedVolume, a.TotalVolume, 0.001)
	assert.Equal(t, 3, a.CurrentStreak)

	// the achievement notifications are delivered asynchronously
	assert.Eventually(t, func() bool {
		status, body := doRequest(ctx, t, http.MethodGet, "/notifications", user.token, nil)
		var inbox []notify.Notification
		return status == http.StatusOK && json.Unmarshal(body, &inbox) == nil && len(inbox) > 0
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestFollowAndLike() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	author := newTestUser(ctx, t)
	fan := newTestUser(ctx, t)

	status, body := doRequest(ctx, t, http.MethodPost, "/users/"+author.ID+"/follow", fan.token, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = doRequest(ctx, t, http.MethodGet, "/users/"+author.ID, fan.token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var profile social.Profile
	require.NoError(t, json.Unmarshal(body, &profile))
	assert.Equal(t, 1, profile.Followers)
	assert.Equal(t, []string{fan.ID}, profile.FollowerIDs)

	status, body = doRequest(ctx, t, http.MethodPost, "/posts", author.token, social.CreatePostParams{
		Content: gofakeit.Sentence(12),
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var post social.Post
	require.NoError(t, json.Unmarshal(body, &post))

	for i := 0; i < 2; i++ {
		status, body = doRequest(ctx, t, http.MethodPost, "/posts/"+post.ID+"/like", fan.token, nil)
		require.Equal(t, http.StatusOK, status, string(body))
	}

	status, body = doRequest(ctx, t, http.MethodGet, "/posts/"+post.ID, author.token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &post))
	assert.Equal(t, 1, post.Likes)
	assert.Equal(t, []string{fan.ID}, post.LikedBy)
}
