// Package feed keeps live post feeds: for every subscription it listens to
// the posts of the followed users and re-targets itself when the following
// list changes.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/social"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

const DefaultLimit = 50

// Callback gets the current feed, newest first, every time it changes.
// Calls for one subscription are serialized. A callback must not stop its
// own subscription synchronously.
type Callback func(posts []social.Post)

type Manager struct {
	store       store.Store
	coordinator *remote.Coordinator
	metrics     *metrics.Manager
	limit       int

	mutex sync.Mutex
	subs  map[string]*subscription
}

func NewManager(s store.Store, coordinator *remote.Coordinator, m *metrics.Manager, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{
		store:       s,
		coordinator: coordinator,
		metrics:     m,
		limit:       limit,
		subs:        make(map[string]*subscription),
	}
}

type subscription struct {
	name     string
	userID   string
	callback Callback

	mutex         sync.Mutex
	stopped       bool
	authors       []string
	postsHandle   store.ListenerHandle
	profileHandle store.ListenerHandle
	releaseOwner  func() bool
}

// Start subscribes name to the feed of userID: the posts of everyone the user
// follows and the user's own. The subscription ends with Stop, StopAll or
// when ctx is done. Starting a name that is already running replaces it.
func (m *Manager) Start(ctx context.Context, name, userID string, callback Callback) error {
	if name == "" || userID == "" {
		return apperrors.Validation("feed.start", "name and user id are required")
	}
	if callback == nil {
		return apperrors.Validation("feed.start", "nil callback")
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Context("feed.start", err)
	}

	m.Stop(name)

	authors, err := m.resolveAuthors(ctx, userID)
	if err != nil {
		return err
	}

	sub := &subscription{
		name:     name,
		userID:   userID,
		callback: callback,
		authors:  authors,
	}

	postsHandle, err := m.listenPosts(ctx, sub, authors)
	if err != nil {
		return err
	}
	sub.postsHandle = postsHandle

	profileHandle, err := m.store.AddListener(ctx, profileQuery(userID), func(snaps []store.Snapshot) {
		m.onProfileChange(sub, snaps)
	})
	if err != nil {
		m.removeListener(postsHandle)
		return err
	}
	sub.profileHandle = profileHandle
	if m.metrics != nil {
		m.metrics.GaugeSubscriptions.Inc()
	}

	m.mutex.Lock()
	previous := m.subs[name]
	m.subs[name] = sub
	m.mutex.Unlock()
	if previous != nil {
		// a concurrent Start of the same name won the race
		m.stop(previous)
	}

	// bound to the owner lifetime
	sub.mutex.Lock()
	if !sub.stopped {
		sub.releaseOwner = context.AfterFunc(ctx, func() {
			m.remove(sub)
		})
	}
	sub.mutex.Unlock()

	log.Debugf("feed: started %s for %s over %d authors", name, userID, len(authors))
	return nil
}

// Stop ends the named subscription. It reports whether one was running.
// Once Stop returns, the callback is not called anymore.
func (m *Manager) Stop(name string) bool {
	m.mutex.Lock()
	sub, ok := m.subs[name]
	delete(m.subs, name)
	m.mutex.Unlock()

	if !ok {
		return false
	}
	m.stop(sub)
	return true
}

// StopAll ends every subscription.
func (m *Manager) StopAll() {
	m.mutex.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mutex.Unlock()

	for _, sub := range subs {
		m.stop(sub)
	}
	log.Debugf("feed: stopped %d subscriptions", len(subs))
}

// Active returns the names of the running subscriptions.
func (m *Manager) Active() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// remove stops sub if it is still the one registered under its name.
func (m *Manager) remove(sub *subscription) {
	m.mutex.Lock()
	if m.subs[sub.name] == sub {
		delete(m.subs, sub.name)
	}
	m.mutex.Unlock()
	m.stop(sub)
}

func (m *Manager) stop(sub *subscription) {
	sub.mutex.Lock()
	if sub.stopped {
		sub.mutex.Unlock()
		return
	}
	sub.stopped = true
	postsHandle, profileHandle, release := sub.postsHandle, sub.profileHandle, sub.releaseOwner
	sub.mutex.Unlock()

	if release != nil {
		release()
	}
	// listener removal waits for in-flight callbacks, so no lock is held here
	m.removeListener(profileHandle)
	m.removeListener(postsHandle)

	if m.metrics != nil {
		m.metrics.GaugeSubscriptions.Dec()
	}
	log.Debugf("feed: stopped %s", sub.name)
}

func (m *Manager) removeListener(handle store.ListenerHandle) {
	if handle == "" {
		return
	}
	if err := m.store.RemoveListener(handle); err != nil && !errors.Is(err, store.ErrListenerNotFound) {
		log.Errorf("feed: remove listener %s: %s", handle, err)
	}
}

// resolveAuthors returns the followed users of userID plus userID itself.
func (m *Manager) resolveAuthors(ctx context.Context, userID string) ([]string, error) {
	snap, err := remote.Call(ctx, m.coordinator, "feed.resolve", func(ctx context.Context) (*store.Snapshot, error) {
		return m.store.Get(ctx, store.Doc(social.UsersCollection, userID))
	})
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, apperrors.NotFound("feed.resolve", "user "+userID)
	}
	following, err := store.ToStringSlice(snap.Data["followingIds"])
	if err != nil {
		return nil, apperrors.DataCorruption("feed.resolve", "user "+userID, err)
	}
	return authorSet(userID, following), nil
}

func authorSet(userID string, following []string) []string {
	seen := map[string]bool{userID: true}
	out := []string{userID}
	for _, id := range following {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sameAuthors(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func profileQuery(userID string) store.Query {
	return store.NewQuery(social.UsersCollection).Where("id", store.OpEq, userID)
}

func (m *Manager) postsQuery(authors []string) store.Query {
	return store.NewQuery(social.PostsCollection).
		Where("authorId", store.OpIn, authors).
		Order("createdAt", true).
		WithLimit(m.limit)
}

func (m *Manager) listenPosts(ctx context.Context, sub *subscription, authors []string) (store.ListenerHandle, error) {
	return m.store.AddListener(ctx, m.postsQuery(authors), func(snaps []store.Snapshot) {
		sub.callback(m.decodePosts(sub, snaps))
	})
}

// onProfileChange swaps the posts listener when the following list changed.
// The old listener is gone before the new one is registered.
func (m *Manager) onProfileChange(sub *subscription, snaps []store.Snapshot) {
	if len(snaps) == 0 {
		return
	}
	following, err := store.ToStringSlice(snaps[0].Data["followingIds"])
	if err != nil {
		m.skipped(sub, apperrors.DataCorruption("feed.profile", "user "+sub.userID, err))
		return
	}
	authors := authorSet(sub.userID, following)

	sub.mutex.Lock()
	if sub.stopped || sameAuthors(sub.authors, authors) {
		sub.mutex.Unlock()
		return
	}
	old := sub.postsHandle
	sub.postsHandle = ""
	sub.authors = authors
	sub.mutex.Unlock()

	m.removeListener(old)

	handle, err := m.listenPosts(context.Background(), sub, authors)
	if err != nil {
		log.Errorf("feed: re-listen %s for %s: %s", sub.name, sub.userID, err)
		return
	}

	sub.mutex.Lock()
	if sub.stopped {
		sub.mutex.Unlock()
		m.removeListener(handle)
		return
	}
	sub.postsHandle = handle
	sub.mutex.Unlock()
	log.Debugf("feed: %s now follows %d authors", sub.name, len(authors))
}

func (m *Manager) decodePosts(sub *subscription, snaps []store.Snapshot) []social.Post {
	posts := make([]social.Post, 0, len(snaps))
	for _, snap := range snaps {
		var p social.Post
		if err := store.Decode(snap.Data, &p); err != nil {
			m.skipped(sub, apperrors.DataCorruption("feed.decode", snap.Ref.String(), err))
			continue
		}
		if p.ID == "" || p.AuthorID == "" || p.CreatedAt.IsZero() {
			m.skipped(sub, apperrors.DataCorruption("feed.decode", snap.Ref.String(), errors.New("required field missing")))
			continue
		}
		posts = append(posts, p)
	}
	return posts
}

func (m *Manager) skipped(sub *subscription, err error) {
	log.Warnf("feed: %s skipping item: %s", sub.name, err)
	if m.metrics != nil {
		m.metrics.CounterFeedItemsSkipped.Inc()
	}
}
