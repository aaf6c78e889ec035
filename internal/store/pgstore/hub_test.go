package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/pkg"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	payloads chan string
	mutex    sync.Mutex
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{payloads: make(chan string, 10)}
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-c.payloads:
		if !ok {
			return nil, errors.New("unexpected EOF")
		}
		return &pgconn.Notification{Channel: notifyChannel, Payload: payload}, nil
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

type hubRecorder struct {
	mutex    sync.Mutex
	notified []string
	resyncs  int
	delays   []time.Duration
}

func (r *hubRecorder) onNotify(collection string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.notified = append(r.notified, collection)
}

func (r *hubRecorder) onResync() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resyncs++
}

func (r *hubRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mutex.Lock()
	r.delays = append(r.delays, d)
	r.mutex.Unlock()
	return ctx.Err()
}

func (r *hubRecorder) state() ([]string, int, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.notified...), r.resyncs, len(r.delays)
}

func TestNotifyHub_ReconnectsAndResyncs(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	connects := []func() (notificationConn, error){
		func() (notificationConn, error) { return nil, errors.New("connection refused") },
		func() (notificationConn, error) { return first, nil },
		func() (notificationConn, error) { return second, nil },
	}
	var connectMutex sync.Mutex
	connectCalls := 0
	connect := func(ctx context.Context) (notificationConn, error) {
		connectMutex.Lock()
		defer connectMutex.Unlock()
		if connectCalls >= len(connects) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		fn := connects[connectCalls]
		connectCalls++
		return fn()
	}

	rec := &hubRecorder{}
	hub := newNotifyHub(connect, rec.onNotify, rec.onResync)
	hub.sleep = rec.sleep
	hub.start()

	// first connect failed, second one came up
	require.Eventually(t, func() bool {
		_, resyncs, delays := rec.state()
		return resyncs == 1 && delays == 1
	}, time.Second, 5*time.Millisecond)

	first.payloads <- "posts"
	require.Eventually(t, func() bool {
		notified, _, _ := rec.state()
		return assert.ObjectsAreEqual([]string{"posts"}, notified)
	}, time.Second, 5*time.Millisecond)

	// connection lost, the hub comes back on a new one
	close(first.payloads)
	require.Eventually(t, func() bool {
		_, resyncs, _ := rec.state()
		return resyncs == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())

	second.payloads <- "users"
	require.Eventually(t, func() bool {
		notified, _, _ := rec.state()
		return assert.ObjectsAreEqual([]string{"posts", "users"}, notified)
	}, time.Second, 5*time.Millisecond)

	hub.stop()
	assert.True(t, second.isClosed())
	_, _, delays := rec.state()
	assert.Equal(t, 2, delays)
}

func TestNotifyHub_StopWhileDatabaseIsDown(t *testing.T) {
	rec := &hubRecorder{}
	attempts := make(chan struct{}, 100)
	hub := newNotifyHub(func(ctx context.Context) (notificationConn, error) {
		attempts <- struct{}{}
		return nil, errors.New("connection refused")
	}, rec.onNotify, rec.onResync)
	hub.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	hub.start()

	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(time.Second):
			t.Fatal("hub stopped retrying")
		}
	}
	hub.stop()

	_, resyncs, _ := rec.state()
	assert.Zero(t, resyncs)
}

func TestNotifyHub_BackoffGrows(t *testing.T) {
	hub := newNotifyHub(nil, nil, nil)
	first := hub.backoff.NextBackOff()
	var last time.Duration
	for i := 0; i < 30; i++ {
		last = hub.backoff.NextBackOff()
	}
	assert.Greater(t, last, first)
	assert.LessOrEqual(t, last, 45*time.Second)

	hub.backoff.Reset()
	assert.LessOrEqual(t, hub.backoff.NextBackOff(), time.Second)
}

func TestLostRaceAndClassify(t *testing.T) {
	for _, code := range []string{pkg.PgCodeSerializationFailure, pkg.PgCodeDeadlockDetected, pkg.PgCodeUniqueViolation} {
		err := fmt.Errorf("commit: %w", &pgconn.PgError{Code: code})
		assert.True(t, lostRace(err), code)

		classified := classify("op", err)
		assert.True(t, apperrors.Is(classified, apperrors.KindTransient), code)
		assert.Equal(t, apperrors.ReasonAborted, apperrors.ReasonOf(classified), code)
	}

	assert.False(t, lostRace(&pgconn.PgError{Code: "22P02"}))
	assert.False(t, lostRace(errors.New("plain")))

	assert.Equal(t, apperrors.KindCanceled, apperrors.KindOf(classify("op", context.Canceled)))
	assert.Equal(t, apperrors.ReasonDeadlineExceeded, apperrors.ReasonOf(classify("op", context.DeadlineExceeded)))
}
