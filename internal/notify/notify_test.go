package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/identity"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store/memstore"
	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDispatcher struct {
	mutex sync.Mutex
	sent  []notify.Notification
	err   error
	panic bool
}

func (d *recordingDispatcher) Send(ctx context.Context, n notify.Notification) error {
	if d.panic {
		panic("dispatcher exploded")
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.sent = append(d.sent, n)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.sent)
}

func TestStoreDispatcher_InboxAndMarkRead(t *testing.T) {
	s := memstore.New(memstore.WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}))
	defer s.Close()
	d := notify.NewStoreDispatcher(s, remote.NewCoordinator(remote.DefaultPolicy()))
	ctx := context.Background()

	n1 := notify.New("u1", notify.TypePostLiked, "New like", "u2 liked your post", map[string]string{"postId": "p1"})
	n2 := notify.New("u1", notify.TypeNewFollower, "New follower", "u3 follows you", nil)
	n3 := notify.New("u2", notify.TypeGoalCompleted, "Goal", "done", nil)
	for _, n := range []notify.Notification{n1, n2, n3} {
		require.NoError(t, d.Send(ctx, n))
	}

	inbox, err := d.Inbox(ctx, "u1", false, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), inbox[0].CreatedAt)

	require.NoError(t, d.MarkRead(ctx, "u1", n1.ID))
	unread, err := d.Inbox(ctx, "u1", true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, n2.ID, unread[0].ID)

	err = d.MarkRead(ctx, "u1", n3.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindAuthorization))
	err = d.MarkRead(ctx, "u1", "missing")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestHTTPDispatcher_Send(t *testing.T) {
	var got notify.Notification
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.TargetUserID == "rejected" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := notify.NewHTTPDispatcher(server.URL, "push-token", time.Second)
	defer d.Close()
	n := notify.New("u1", notify.TypeAchievementEarned, "Achievement", "10 workouts", nil)
	require.NoError(t, d.Send(context.Background(), n))
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, "Bearer push-token", gotAuth)

	err := d.Send(context.Background(), notify.New("rejected", notify.TypePostLiked, "x", "y", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestMulti_SendsToAll(t *testing.T) {
	ok := &recordingDispatcher{}
	failing1 := &recordingDispatcher{err: errors.New("one")}
	failing2 := &recordingDispatcher{err: errors.New("two")}

	err := notify.Multi{failing1, ok, failing2, notify.LogDispatcher{}, notify.Nop{}}.
		Send(context.Background(), notify.New("u1", notify.TypePostLiked, "t", "b", nil))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing1.count())
	assert.Equal(t, 1, failing2.count())
}

func TestAsync(t *testing.T) {
	m := metrics.NewTestManager()
	ok := &recordingDispatcher{}
	failing := &recordingDispatcher{err: errors.New("gateway down")}
	panicking := &recordingDispatcher{panic: true}

	ctx, cancel := context.WithCancel(context.Background())
	// a cancelled caller does not cancel the detached send
	cancel()

	for name, d := range map[string]notify.Dispatcher{"ok": ok, "failing": failing, "panicking": panicking} {
		a := notify.NewAsync(name, d, time.Second, m)
		require.NoError(t, a.Send(ctx, notify.New("u1", notify.TypeGoalCompleted, "t", "b", nil)))
		a.Wait()
	}

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterNotifications.WithLabelValues("ok", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterNotifications.WithLabelValues("failing", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterNotifications.WithLabelValues("panicking", "panic")))
}

func TestHandler_InboxAndMarkRead(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	d := notify.NewStoreDispatcher(s, remote.NewCoordinator(remote.DefaultPolicy()))
	ctx := context.Background()

	n := notify.New("u1", notify.TypeAchievementEarned, "Achievement unlocked", "10 workouts", nil)
	require.NoError(t, d.Send(ctx, n))

	router := mux.NewRouter()
	notify.NewHandler(d).SetupRoutes(router)
	serve := func(method, path, userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if userID != "" {
			req = req.WithContext(identity.WithUserID(req.Context(), userID))
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/notifications", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, "/notifications?size=0", "u1").Code)

	rr := serve(http.MethodGet, "/notifications?unread=true", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var inbox []notify.Notification
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, n.ID, inbox[0].ID)

	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, "/notifications/"+n.ID+"/read", "u2").Code)
	assert.Equal(t, http.StatusNoContent, serve(http.MethodPost, "/notifications/"+n.ID+"/read", "u1").Code)

	rr = serve(http.MethodGet, "/notifications?unread=true", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}
