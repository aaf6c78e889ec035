// Package memstore is an in-process implementation of the document store.
// It keeps per-document versions to give RunTransaction the same optimistic
// concurrency semantics as the remote backends.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	log "github.com/sirupsen/logrus"
)

var _ store.Store = (*Store)(nil)

var errConflict = errors.New("document changed since it was read")

type entry struct {
	data    store.Data
	version uint64
}

// FaultHook is called before every store operation; a non-nil error is
// returned to the caller instead of running the operation.
type FaultHook func(method string, ref store.DocRef) error

type Store struct {
	mutex     sync.Mutex
	docs      map[string]map[string]*entry
	listeners map[store.ListenerHandle]*listener
	closed    bool

	now           func() time.Time
	maxTxAttempts int
	faultHook     FaultHook
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithMaxTxAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.maxTxAttempts = attempts
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		docs:          make(map[string]map[string]*entry),
		listeners:     make(map[store.ListenerHandle]*listener),
		now:           time.Now,
		maxTxAttempts: store.DefaultMaxTxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFaultHook installs (or, with nil, removes) a fault injection hook.
func (s *Store) SetFaultHook(hook FaultHook) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.faultHook = hook
}

func (s *Store) fault(method string, ref store.DocRef) error {
	s.mutex.Lock()
	hook := s.faultHook
	closed := s.closed
	s.mutex.Unlock()

	if closed {
		return store.ErrClosed
	}
	if hook == nil {
		return nil
	}
	return hook(method, ref)
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Context("memstore.get", err)
	}
	if err := s.fault("get", ref); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	snap, _ := s.snapshotLocked(ref)
	return snap, nil
}

func (s *Store) Set(ctx context.Context, ref store.DocRef, data store.Data, opts ...store.SetOption) error {
	kind := store.OpSet
	if store.ApplySetOptions(opts) {
		kind = store.OpSetMerge
	}
	return s.write(ctx, "set", []store.Op{{Kind: kind, Ref: ref, Data: data}})
}

func (s *Store) Update(ctx context.Context, ref store.DocRef, fields store.Data) error {
	return s.write(ctx, "update", []store.Op{store.UpdateOp(ref, fields)})
}

func (s *Store) IncrementField(ctx context.Context, ref store.DocRef, field string, delta float64) error {
	return s.write(ctx, "increment", []store.Op{store.MergeOp(ref, store.Data{field: store.Increment(delta)})})
}

func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	return s.write(ctx, "batch", ops)
}

func (s *Store) write(ctx context.Context, method string, ops []store.Op) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Context("memstore."+method, err)
	}
	for _, op := range ops {
		if !op.Ref.Valid() {
			return apperrors.Validation("memstore."+method, fmt.Sprintf("invalid document ref %q", op.Ref))
		}
		if err := s.fault(method, op.Ref); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	changed, err := s.commitLocked("memstore."+method, ops, nil)
	s.mutex.Unlock()
	if err != nil {
		return err
	}

	s.notify(changed)
	return nil
}

// commitLocked applies ops atomically. When reads is set, every read version
// must still match, otherwise errConflict is returned and nothing is written.
func (s *Store) commitLocked(op string, ops []store.Op, reads map[store.DocRef]uint64) (map[string]bool, error) {
	for ref, version := range reads {
		if s.versionLocked(ref) != version {
			return nil, errConflict
		}
	}

	now := s.now()
	staged := make(map[store.DocRef]*entry)
	stagedDeleted := make(map[store.DocRef]bool)
	for _, o := range ops {
		current, exists := s.currentLocked(o.Ref, staged, stagedDeleted)
		next, err := store.ApplyWrite(current, exists, o.Kind, o.Data, now)
		if err != nil {
			if errors.Is(err, store.ErrDocNotFound) {
				return nil, store.NotFound(op, o.Ref)
			}
			return nil, apperrors.ValidationWrap(op, err)
		}
		if next == nil {
			stagedDeleted[o.Ref] = true
			delete(staged, o.Ref)
			continue
		}
		delete(stagedDeleted, o.Ref)
		staged[o.Ref] = &entry{data: next}
	}

	changed := make(map[string]bool)
	for ref, e := range staged {
		coll := s.collectionLocked(ref.Collection)
		e.version = s.versionLocked(ref) + 1
		coll[ref.ID] = e
		changed[ref.Collection] = true
	}
	for ref := range stagedDeleted {
		if coll, ok := s.docs[ref.Collection]; ok {
			delete(coll, ref.ID)
		}
		changed[ref.Collection] = true
	}
	return changed, nil
}

func (s *Store) currentLocked(ref store.DocRef, staged map[store.DocRef]*entry, deleted map[store.DocRef]bool) (store.Data, bool) {
	if deleted[ref] {
		return nil, false
	}
	if e, ok := staged[ref]; ok {
		return e.data, true
	}
	if coll, ok := s.docs[ref.Collection]; ok {
		if e, ok := coll[ref.ID]; ok {
			return e.data, true
		}
	}
	return nil, false
}

func (s *Store) collectionLocked(name string) map[string]*entry {
	coll, ok := s.docs[name]
	if !ok {
		coll = make(map[string]*entry)
		s.docs[name] = coll
	}
	return coll
}

// versionLocked returns 0 for documents that do not exist.
func (s *Store) versionLocked(ref store.DocRef) uint64 {
	if coll, ok := s.docs[ref.Collection]; ok {
		if e, ok := coll[ref.ID]; ok {
			return e.version
		}
	}
	return 0
}

func (s *Store) snapshotLocked(ref store.DocRef) (*store.Snapshot, uint64) {
	if coll, ok := s.docs[ref.Collection]; ok {
		if e, ok := coll[ref.ID]; ok {
			return &store.Snapshot{Ref: ref, Data: store.Clone(e.data), Exists: true}, e.version
		}
	}
	return &store.Snapshot{Ref: ref, Exists: false}, 0
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.Context("memstore.transaction", err)
		}
		if err := s.fault("transaction", store.DocRef{}); err != nil {
			return err
		}

		tx := &transaction{store: s, reads: make(map[store.DocRef]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		s.mutex.Lock()
		changed, err := s.commitLocked("memstore.transaction", tx.writes, tx.reads)
		s.mutex.Unlock()
		if err == nil {
			s.notify(changed)
			return nil
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		lastErr = err
		log.Tracef("memstore: transaction conflict, attempt %d/%d", attempt, s.maxTxAttempts)
	}
	return store.Conflict("memstore.transaction", s.maxTxAttempts, lastErr)
}

type transaction struct {
	store  *Store
	reads  map[store.DocRef]uint64
	writes []store.Op
}

func (t *transaction) Get(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, apperrors.Validation("memstore.transaction.get", "reads must happen before writes")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Context("memstore.transaction.get", err)
	}
	if err := t.store.fault("tx.get", ref); err != nil {
		return nil, err
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	snap, version := t.store.snapshotLocked(ref)
	if _, seen := t.reads[ref]; !seen {
		t.reads[ref] = version
	}
	return snap, nil
}

func (t *transaction) Set(ref store.DocRef, data store.Data, opts ...store.SetOption) error {
	if !ref.Valid() {
		return apperrors.Validation("memstore.transaction.set", fmt.Sprintf("invalid document ref %q", ref))
	}
	kind := store.OpSet
	if store.ApplySetOptions(opts) {
		kind = store.OpSetMerge
	}
	t.writes = append(t.writes, store.Op{Kind: kind, Ref: ref, Data: data})
	return nil
}

func (t *transaction) Update(ref store.DocRef, fields store.Data) error {
	if !ref.Valid() {
		return apperrors.Validation("memstore.transaction.update", fmt.Sprintf("invalid document ref %q", ref))
	}
	t.writes = append(t.writes, store.UpdateOp(ref, fields))
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, apperrors.ValidationWrap("memstore.query", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Context("memstore.query", err)
	}
	if err := s.fault("query", store.DocRef{Collection: q.Collection}); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.queryLocked(q), nil
}

func (s *Store) queryLocked(q store.Query) []store.Snapshot {
	coll := s.docs[q.Collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snaps := make([]store.Snapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, store.Snapshot{
			Ref:    store.Doc(q.Collection, id),
			Data:   store.Clone(coll[id].data),
			Exists: true,
		})
	}
	return store.ApplyQuery(q, snaps)
}

// Close stops every listener. Operations after Close fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mutex.Lock()
	s.closed = true
	listeners := make([]*listener, 0, len(s.listeners))
	for h, l := range s.listeners {
		listeners = append(listeners, l)
		delete(s.listeners, h)
	}
	s.mutex.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	return nil
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.docs[collection])
}
