package feed_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/feed"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/social"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/store/memstore"
	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type collector struct {
	mutex   sync.Mutex
	batches [][]social.Post
}

func (c *collector) callback(posts []social.Post) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.batches = append(c.batches, posts)
}

func (c *collector) calls() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.batches)
}

// lastIDs returns the sorted post ids of the latest delivery.
func (c *collector) lastIDs() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	var ids []string
	for _, p := range c.batches[len(c.batches)-1] {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}

type fixture struct {
	feed    *feed.Manager
	social  *social.Manager
	store   *memstore.Store
	metrics *metrics.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	s := memstore.New(memstore.WithClock(func() time.Time { return now }))
	coordinator := remote.NewCoordinator(remote.DefaultPolicy())
	f := &fixture{store: s, metrics: metrics.NewTestManager()}
	f.feed = feed.NewManager(s, coordinator, f.metrics, 10)
	f.social = social.NewManager(social.NewManagerParams{Store: s, Coordinator: coordinator})
	t.Cleanup(func() {
		f.feed.StopAll()
		_ = s.Close()
	})

	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		data, err := store.Encode(social.Profile{ID: u, Username: u, CreatedAt: now, FollowerIDs: []string{}, FollowingIDs: []string{}})
		require.NoError(t, err)
		require.NoError(t, s.Set(ctx, store.Doc(social.UsersCollection, u), data))
	}
	_, err := f.social.Follow(ctx, "u1", "u2")
	require.NoError(t, err)

	for id, author := range map[string]string{"p1": "u1", "p2": "u2", "p3": "u3"} {
		require.NoError(t, s.Set(ctx, store.Doc(social.PostsCollection, id), store.Data{
			"id":        id,
			"authorId":  author,
			"content":   "post " + id,
			"createdAt": store.ServerTimestamp,
			"likes":     0,
			"likedBy":   []string{},
		}))
	}
	return f
}

func TestManager_Start_DeliversFollowedPosts(t *testing.T) {
	f := newFixture(t)
	c := &collector{}

	require.NoError(t, f.feed.Start(context.Background(), "home", "u1", c.callback))
	assert.Equal(t, []string{"home"}, f.feed.Active())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GaugeSubscriptions))

	assert.Eventually(t, func() bool {
		ids := c.lastIDs()
		return len(ids) == 2 && ids[0] == "p1" && ids[1] == "p2"
	}, waitFor, tick)

	_, err := f.social.CreatePost(context.Background(), "u2", social.CreatePostParams{Content: "fresh"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(c.lastIDs()) == 3 }, waitFor, tick)
}

func TestManager_SkipsCorruptItems(t *testing.T) {
	f := newFixture(t)
	c := &collector{}
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, store.Doc(social.PostsCollection, "broken"), store.Data{
		"id":       "broken",
		"authorId": "u1",
		"content":  "no timestamp",
	}))
	require.NoError(t, f.store.Set(ctx, store.Doc(social.PostsCollection, "bad-likes"), store.Data{
		"id":        "bad-likes",
		"authorId":  "u2",
		"createdAt": store.ServerTimestamp,
		"likes":     "many",
	}))

	require.NoError(t, f.feed.Start(ctx, "home", "u1", c.callback))
	assert.Eventually(t, func() bool {
		ids := c.lastIDs()
		return len(ids) == 2 && ids[0] == "p1" && ids[1] == "p2"
	}, waitFor, tick)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.CounterFeedItemsSkipped), float64(2))
}

func TestManager_FollowingChangeSwapsListener(t *testing.T) {
	f := newFixture(t)
	c := &collector{}
	ctx := context.Background()

	require.NoError(t, f.feed.Start(ctx, "home", "u1", c.callback))
	assert.Eventually(t, func() bool { return len(c.lastIDs()) == 2 }, waitFor, tick)

	_, err := f.social.Follow(ctx, "u1", "u3")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ids := c.lastIDs()
		return len(ids) == 3 && ids[2] == "p3"
	}, waitFor, tick)

	_, err = f.social.Unfollow(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ids := c.lastIDs()
		return len(ids) == 2 && ids[0] == "p1" && ids[1] == "p3"
	}, waitFor, tick)

	// one profile listener and one posts listener
	assert.Equal(t, 2, f.store.ListenerCount())
}

func TestManager_Stop(t *testing.T) {
	f := newFixture(t)
	c := &collector{}
	ctx := context.Background()

	require.NoError(t, f.feed.Start(ctx, "home", "u1", c.callback))
	assert.Eventually(t, func() bool { return c.calls() > 0 }, waitFor, tick)

	assert.True(t, f.feed.Stop("home"))
	assert.False(t, f.feed.Stop("home"))
	assert.Zero(t, f.store.ListenerCount())
	assert.Empty(t, f.feed.Active())
	assert.Zero(t, testutil.ToFloat64(f.metrics.GaugeSubscriptions))

	calls := c.calls()
	_, err := f.social.CreatePost(ctx, "u1", social.CreatePostParams{Content: "after stop"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, c.calls())
}

func TestManager_RestartReplaces(t *testing.T) {
	f := newFixture(t)
	first, second := &collector{}, &collector{}
	ctx := context.Background()

	require.NoError(t, f.feed.Start(ctx, "home", "u1", first.callback))
	require.NoError(t, f.feed.Start(ctx, "home", "u3", second.callback))

	assert.Equal(t, []string{"home"}, f.feed.Active())
	assert.Equal(t, 2, f.store.ListenerCount())
	assert.Eventually(t, func() bool {
		ids := second.lastIDs()
		return len(ids) == 1 && ids[0] == "p3"
	}, waitFor, tick)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GaugeSubscriptions))
}

func TestManager_StopsWithOwnerContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.feed.Start(ctx, "a", "u1", (&collector{}).callback))
	require.NoError(t, f.feed.Start(context.Background(), "b", "u2", (&collector{}).callback))
	assert.Equal(t, 4, f.store.ListenerCount())

	cancel()
	assert.Eventually(t, func() bool {
		return len(f.feed.Active()) == 1 && f.store.ListenerCount() == 2
	}, waitFor, tick)
	assert.Equal(t, []string{"b"}, f.feed.Active())

	f.feed.StopAll()
	assert.Empty(t, f.feed.Active())
	assert.Zero(t, f.store.ListenerCount())
}

func TestManager_StartErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.feed.Start(ctx, "home", "ghost", (&collector{}).callback)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	err = f.feed.Start(ctx, "", "u1", (&collector{}).callback)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	err = f.feed.Start(ctx, "home", "u1", nil)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = f.feed.Start(cancelled, "home", "u1", (&collector{}).callback)
	assert.Error(t, err)
	assert.Zero(t, f.store.ListenerCount())
}
