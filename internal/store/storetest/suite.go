// Package storetest holds the behaviour every store backend must share. Each
// backend test calls Run with a constructor returning a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type NewStoreFunc func(t *testing.T) store.Store

func Run(t *testing.T, newStore NewStoreFunc) {
	tests := []struct {
		name string
		test func(t *testing.T, s store.Store)
	}{
		{"SetAndGet", testSetAndGet},
		{"SetMerge", testSetMerge},
		{"UpdateMissingDocument", testUpdateMissingDocument},
		{"Increment", testIncrement},
		{"ConcurrentIncrements", testConcurrentIncrements},
		{"ServerTimestamp", testServerTimestamp},
		{"TransactionCommit", testTransactionCommit},
		{"TransactionAbort", testTransactionAbort},
		{"ConcurrentTransactions", testConcurrentTransactions},
		{"Batch", testBatch},
		{"Query", testQuery},
		{"Listener", testListener},
		{"RemoveUnknownListener", testRemoveUnknownListener},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			tc.test(t, s)
		})
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testSetAndGet(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("posts", "p1")

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	require.NoError(t, s.Set(ctx, ref, store.Data{
		"authorId": "u1",
		"likes":    3,
		"tags":     []string{"a", "b"},
	}))

	snap, err = s.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, ref, snap.Ref)
	assert.Equal(t, "u1", snap.Data["authorId"])
	assert.Equal(t, float64(3), snap.Data["likes"])
	assert.Equal(t, []any{"a", "b"}, snap.Data["tags"])

	// plain set replaces the whole document
	require.NoError(t, s.Set(ctx, ref, store.Data{"likes": 1}))
	snap, err = s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, store.Data{"likes": float64(1)}, snap.Data)
}

func testSetMerge(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("users", "u1")

	require.NoError(t, s.Set(ctx, ref, store.Data{"displayName": "ana", "followers": 2}))
	require.NoError(t, s.Set(ctx, ref, store.Data{"followers": 5}, store.Merge()))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "ana", snap.Data["displayName"])
	assert.Equal(t, float64(5), snap.Data["followers"])

	// merge creates missing documents
	other := store.Doc("users", "u2")
	require.NoError(t, s.Set(ctx, other, store.Data{"followers": 1}, store.Merge()))
	snap, err = s.Get(ctx, other)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func testUpdateMissingDocument(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	err := s.Update(ctx, store.Doc("posts", "missing"), store.Data{"likes": 1})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	assert.True(t, errors.Is(err, store.ErrDocNotFound))
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("analytics", "u1")

	require.NoError(t, s.IncrementField(ctx, ref, "totalWorkouts", 1))
	require.NoError(t, s.IncrementField(ctx, ref, "totalVolume", 1250.5))
	require.NoError(t, s.Update(ctx, ref, store.Data{"totalWorkouts": store.Increment(2)}))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(3), snap.Data["totalWorkouts"])
	assert.Equal(t, 1250.5, snap.Data["totalVolume"])
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("posts", "hot")
	require.NoError(t, s.Set(ctx, ref, store.Data{"likes": 0}))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.IncrementField(ctx, ref, "likes", 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(workers), snap.Data["likes"])
}

func testServerTimestamp(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("goals", "g1")
	before := time.Now().Add(-time.Minute)

	require.NoError(t, s.Set(ctx, ref, store.Data{"completedAt": store.ServerTimestamp}))
	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)

	raw, ok := snap.Data["completedAt"].(string)
	require.True(t, ok, "timestamp must be stored as RFC 3339 string, got %T", snap.Data["completedAt"])
	ts, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}

func testTransactionCommit(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	post := store.Doc("posts", "p1")
	require.NoError(t, s.Set(ctx, post, store.Data{"likes": 0, "likedBy": []string{}}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ctx, post)
		if err != nil {
			return err
		}
		likes, err := store.ToInt(snap.Data["likes"])
		if err != nil {
			return err
		}
		if err := tx.Update(post, store.Data{"likes": likes + 1, "likedBy": []string{"u1"}}); err != nil {
			return err
		}
		return tx.Set(store.Doc("notifications", "n1"), store.Data{"type": "like"})
	})
	require.NoError(t, err)

	snap, err := s.Get(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap.Data["likes"])
	assert.Equal(t, []any{"u1"}, snap.Data["likedBy"])

	snap, err = s.Get(ctx, store.Doc("notifications", "n1"))
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func testTransactionAbort(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("posts", "p1")
	require.NoError(t, s.Set(ctx, ref, store.Data{"likes": 7}))

	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Get(ctx, ref); err != nil {
			return err
		}
		if err := tx.Update(ref, store.Data{"likes": 100}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(7), snap.Data["likes"])

	// updating a missing document inside a transaction fails the commit
	err = s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Update(store.Doc("posts", "missing"), store.Data{"likes": 1})
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

// Every transaction reads then writes the same counter. A conflict needs a
// commit by another worker, so DefaultMaxTxAttempts workers always finish.
func testConcurrentTransactions(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	ref := store.Doc("users", "celebrity")
	require.NoError(t, s.Set(ctx, ref, store.Data{"followers": 0}))

	workers := store.DefaultMaxTxAttempts
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				followers, err := store.ToInt(snap.Data["followers"])
				if err != nil {
					return err
				}
				return tx.Update(ref, store.Data{
					"followers":           followers + 1,
					fmt.Sprintf("w%d", i): true,
				})
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(workers), snap.Data["followers"])
}

func testBatch(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	a := store.Doc("activities", "a1")
	b := store.Doc("activities", "a2")
	require.NoError(t, s.Set(ctx, b, store.Data{"userId": "u1"}))

	require.NoError(t, s.Batch(ctx, []store.Op{
		store.SetOp(a, store.Data{"userId": "u1", "kind": "workout"}),
		store.DeleteOp(b),
		store.MergeOp(store.Doc("analytics", "u1"), store.Data{"totalWorkouts": store.Increment(1)}),
	}))

	snap, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	snap, err = s.Get(ctx, b)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	snap, err = s.Get(ctx, store.Doc("analytics", "u1"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap.Data["totalWorkouts"])

	// a failing op leaves every other op of the batch unapplied
	err = s.Batch(ctx, []store.Op{
		store.SetOp(store.Doc("activities", "a3"), store.Data{"userId": "u1"}),
		store.UpdateOp(store.Doc("activities", "missing"), store.Data{"x": 1}),
	})
	require.Error(t, err)
	snap, err = s.Get(ctx, store.Doc("activities", "a3"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func seedPosts(t *testing.T, s store.Store) time.Time {
	ctx := testCtx(t)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	posts := []struct {
		id     string
		author string
		offset time.Duration
	}{
		{"p1", "u1", 0},
		{"p2", "u2", time.Hour},
		{"p3", "u3", 2 * time.Hour},
		{"p4", "u1", 3 * time.Hour},
	}
	for _, p := range posts {
		require.NoError(t, s.Set(ctx, store.Doc("posts", p.id), store.Data{
			"authorId":  p.author,
			"createdAt": base.Add(p.offset),
			"likes":     len(p.id),
		}))
	}
	return base
}

func snapIDs(snaps []store.Snapshot) []string {
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.Ref.ID)
	}
	return ids
}

func testQuery(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	base := seedPosts(t, s)

	snaps, err := s.Query(ctx, store.NewQuery("posts").
		Where("authorId", store.OpIn, []string{"u1", "u2"}).
		Order("createdAt", true))
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p2", "p1"}, snapIDs(snaps))

	snaps, err = s.Query(ctx, store.NewQuery("posts").
		Where("createdAt", store.OpGte, base.Add(time.Hour)).
		Order("createdAt", false).
		WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, snapIDs(snaps))

	snaps, err = s.Query(ctx, store.NewQuery("posts").Where("authorId", store.OpEq, "nobody"))
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = s.Query(ctx, store.Query{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

type recorder struct {
	mutex sync.Mutex
	calls [][]string
}

func (r *recorder) record(snaps []store.Snapshot) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = append(r.calls, snapIDs(snaps))
}

func (r *recorder) last() ([]string, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.calls) == 0 {
		return nil, 0
	}
	return r.calls[len(r.calls)-1], len(r.calls)
}

func testListener(t *testing.T, s store.Store) {
	ctx := testCtx(t)
	seedPosts(t, s)

	rec := &recorder{}
	q := store.NewQuery("posts").Where("authorId", store.OpEq, "u1").Order("createdAt", true)
	handle, err := s.AddListener(ctx, q, rec.record)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	require.Eventually(t, func() bool {
		ids, _ := rec.last()
		return assert.ObjectsAreEqual([]string{"p4", "p1"}, ids)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Set(ctx, store.Doc("posts", "p5"), store.Data{
		"authorId":  "u1",
		"createdAt": time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}))
	require.Eventually(t, func() bool {
		ids, _ := rec.last()
		return assert.ObjectsAreEqual([]string{"p5", "p4", "p1"}, ids)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.RemoveListener(handle))
	_, callsAfterRemove := rec.last()

	require.NoError(t, s.Set(ctx, store.Doc("posts", "p6"), store.Data{
		"authorId":  "u1",
		"createdAt": time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
	}))
	time.Sleep(200 * time.Millisecond)
	_, calls := rec.last()
	assert.Equal(t, callsAfterRemove, calls, "removed listener must not be invoked")

	assert.ErrorIs(t, s.RemoveListener(handle), store.ErrListenerNotFound)
}

func testRemoveUnknownListener(t *testing.T, s store.Store) {
	assert.ErrorIs(t, s.RemoveListener("nope"), store.ErrListenerNotFound)
}
