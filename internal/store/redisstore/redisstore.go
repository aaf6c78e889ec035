// Package redisstore keeps documents in Redis hashes. Every field is stored
// JSON encoded; collections are tracked in sets and changes are announced on
// a per-collection pub/sub channel that listeners subscribe to.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var _ store.Store = (*Store)(nil)

const (
	docKeyPrefix        = "doc"
	collectionKeyPrefix = "coll"
	changesKeyPrefix    = "chg"
)

func docKey(ref store.DocRef) string {
	return fmt.Sprintf("%s:%s:%s", docKeyPrefix, ref.Collection, ref.ID)
}

func collectionKey(collection string) string {
	return fmt.Sprintf("%s:%s", collectionKeyPrefix, collection)
}

func changesChannel(collection string) string {
	return fmt.Sprintf("%s:%s", changesKeyPrefix, collection)
}

type Store struct {
	client        *redis.Client
	now           func() time.Time
	maxTxAttempts int

	mutex     sync.Mutex
	listeners map[store.ListenerHandle]*listener
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

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:        client,
		now:           time.Now,
		maxTxAttempts: store.DefaultMaxTxAttempts,
		listeners:     make(map[store.ListenerHandle]*listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// classify maps redis client errors to store error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return apperrors.Context(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Transient(op, apperrors.ReasonDeadlineExceeded, err)
	case errors.Is(err, redis.ErrClosed):
		return apperrors.Transient(op, apperrors.ReasonConnectionLost, err)
	case errors.Is(err, redis.TxFailedErr):
		return apperrors.Transient(op, apperrors.ReasonAborted, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return apperrors.Transient(op, apperrors.ReasonUnavailable, err)
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}

// decodeHash turns stored hash fields back into document data. A field that
// is not valid JSON is kept as its raw string so readers can detect it.
func decodeHash(ref store.DocRef, fields map[string]string) store.Data {
	data := make(store.Data, len(fields))
	for field, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Warnf("redisstore: %s field %s is not valid json", ref, field)
			data[field] = raw
			continue
		}
		data[field] = v
	}
	return data
}

func encodeHash(data store.Data) (map[string]any, error) {
	fields := make(map[string]any, len(data))
	for field, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field, err)
		}
		fields[field] = string(raw)
	}
	return fields, nil
}

func snapshotFrom(ref store.DocRef, fields map[string]string) *store.Snapshot {
	if len(fields) == 0 {
		return &store.Snapshot{Ref: ref, Exists: false}
	}
	return &store.Snapshot{Ref: ref, Data: decodeHash(ref, fields), Exists: true}
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (_ *store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisstore.get")
	span.SetAttributes(attribute.String("doc", ref.Path()))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	fields, err := s.client.HGetAll(ctx, docKey(ref)).Result()
	if err != nil {
		return nil, classify("redisstore.get", err)
	}
	return snapshotFrom(ref, fields), nil
}

func (s *Store) Set(ctx context.Context, ref store.DocRef, data store.Data, opts ...store.SetOption) error {
	kind := store.OpSet
	if store.ApplySetOptions(opts) {
		kind = store.OpSetMerge
	}
	return s.Batch(ctx, []store.Op{{Kind: kind, Ref: ref, Data: data}})
}

func (s *Store) Update(ctx context.Context, ref store.DocRef, fields store.Data) error {
	return s.Batch(ctx, []store.Op{store.UpdateOp(ref, fields)})
}

// IncrementField uses HINCRBYFLOAT so concurrent increments never conflict.
func (s *Store) IncrementField(ctx context.Context, ref store.DocRef, field string, delta float64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisstore.increment")
	span.SetAttributes(attribute.String("doc", ref.Path()), attribute.String("field", field))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if !ref.Valid() || field == "" {
		return apperrors.Validation("redisstore.increment", fmt.Sprintf("invalid increment target %s.%s", ref, field))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrByFloat(ctx, docKey(ref), field, delta)
		pipe.SAdd(ctx, collectionKey(ref.Collection), ref.ID)
		pipe.Publish(ctx, changesChannel(ref.Collection), ref.ID)
		return nil
	})
	if err != nil {
		if isNotNumberErr(err) {
			return apperrors.ValidationWrap("redisstore.increment", fmt.Errorf("%s.%s: %w", ref, field, store.ErrNotANumber))
		}
		return classify("redisstore.increment", err)
	}
	return nil
}

func isNotNumberErr(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.Contains(redisErr.Error(), "float")
}

// Batch commits all ops atomically, retrying when a touched document changes
// concurrently.
func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	for _, op := range ops {
		if !op.Ref.Valid() {
			return apperrors.Validation("redisstore.batch", fmt.Sprintf("invalid document ref %q", op.Ref))
		}
	}
	return s.runTransaction(ctx, "redisstore.batch", func(ctx context.Context, tx *transaction) error {
		tx.writes = append(tx.writes, ops...)
		return nil
	})
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.runTransaction(ctx, "redisstore.transaction", func(ctx context.Context, tx *transaction) error {
		return fn(ctx, tx)
	})
}

func (s *Store) runTransaction(ctx context.Context, op string, fn func(ctx context.Context, tx *transaction) error) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, op)
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	var lastErr error
	for attempt := 1; attempt <= s.maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &transaction{
				rtx:     rtx,
				watched: make(map[store.DocRef]bool),
				current: make(map[store.DocRef]*store.Snapshot),
			}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return s.commit(ctx, op, tx)
		})
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return classify(op, err)
		}
		lastErr = err
		log.Tracef("%s: watched key changed, attempt %d/%d", op, attempt, s.maxTxAttempts)
	}
	return store.Conflict(op, s.maxTxAttempts, lastErr)
}

// commit reads the state of written documents that were not read by the
// transaction function, computes the new states and writes them in MULTI/EXEC.
func (s *Store) commit(ctx context.Context, op string, tx *transaction) error {
	if len(tx.writes) == 0 {
		return nil
	}

	for _, w := range tx.writes {
		if _, err := tx.read(ctx, w.Ref); err != nil {
			return err
		}
	}

	now := s.now()
	type result struct {
		ref  store.DocRef
		data store.Data
	}
	staged := make(map[store.DocRef]store.Data)
	order := make([]store.DocRef, 0, len(tx.writes))
	for _, w := range tx.writes {
		current, exists := tx.stagedState(w.Ref, staged)
		next, err := store.ApplyWrite(current, exists, w.Kind, w.Data, now)
		if err != nil {
			if errors.Is(err, store.ErrDocNotFound) {
				return store.NotFound(op, w.Ref)
			}
			return apperrors.ValidationWrap(op, err)
		}
		if _, seen := staged[w.Ref]; !seen {
			order = append(order, w.Ref)
		}
		staged[w.Ref] = next
	}

	results := make([]result, 0, len(order))
	for _, ref := range order {
		results = append(results, result{ref: ref, data: staged[ref]})
	}

	_, err := tx.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		collections := make(map[string]bool)
		for _, r := range results {
			key := docKey(r.ref)
			pipe.Del(ctx, key)
			if r.data == nil {
				pipe.SRem(ctx, collectionKey(r.ref.Collection), r.ref.ID)
			} else {
				fields, err := encodeHash(r.data)
				if err != nil {
					return err
				}
				if len(fields) > 0 {
					pipe.HSet(ctx, key, fields)
				}
				pipe.SAdd(ctx, collectionKey(r.ref.Collection), r.ref.ID)
			}
			collections[r.ref.Collection] = true
		}
		names := make([]string, 0, len(collections))
		for c := range collections {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, c := range names {
			pipe.Publish(ctx, changesChannel(c), "")
		}
		return nil
	})
	return err
}

type transaction struct {
	rtx     *redis.Tx
	watched map[store.DocRef]bool
	current map[store.DocRef]*store.Snapshot
	writes  []store.Op
}

func (t *transaction) read(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if snap, ok := t.current[ref]; ok {
		return snap, nil
	}
	if !t.watched[ref] {
		if err := t.rtx.Watch(ctx, docKey(ref)).Err(); err != nil {
			return nil, err
		}
		t.watched[ref] = true
	}
	fields, err := t.rtx.HGetAll(ctx, docKey(ref)).Result()
	if err != nil {
		return nil, err
	}
	snap := snapshotFrom(ref, fields)
	t.current[ref] = snap
	return snap, nil
}

func (t *transaction) stagedState(ref store.DocRef, staged map[store.DocRef]store.Data) (store.Data, bool) {
	if data, ok := staged[ref]; ok {
		return data, data != nil
	}
	snap := t.current[ref]
	if snap == nil || !snap.Exists {
		return nil, false
	}
	return snap.Data, true
}

func (t *transaction) Get(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, apperrors.Validation("redisstore.transaction.get", "reads must happen before writes")
	}
	snap, err := t.read(ctx, ref)
	if err != nil {
		return nil, classify("redisstore.transaction.get", err)
	}
	out := *snap
	out.Data = store.Clone(snap.Data)
	return &out, nil
}

func (t *transaction) Set(ref store.DocRef, data store.Data, opts ...store.SetOption) error {
	if !ref.Valid() {
		return apperrors.Validation("redisstore.transaction.set", fmt.Sprintf("invalid document ref %q", ref))
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
		return apperrors.Validation("redisstore.transaction.update", fmt.Sprintf("invalid document ref %q", ref))
	}
	t.writes = append(t.writes, store.UpdateOp(ref, fields))
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) (_ []store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisstore.query")
	span.SetAttributes(attribute.String("collection", q.Collection))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := q.Validate(); err != nil {
		return nil, apperrors.ValidationWrap("redisstore.query", err)
	}

	ids, err := s.client.SMembers(ctx, collectionKey(q.Collection)).Result()
	if err != nil {
		return nil, classify("redisstore.query", err)
	}
	if len(ids) == 0 {
		return []store.Snapshot{}, nil
	}
	sort.Strings(ids)

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, docKey(store.Doc(q.Collection, id)))
		}
		return nil
	})
	if err != nil {
		return nil, classify("redisstore.query", err)
	}

	snaps := make([]store.Snapshot, 0, len(ids))
	for i, id := range ids {
		snaps = append(snaps, *snapshotFrom(store.Doc(q.Collection, id), cmds[i].Val()))
	}
	return store.ApplyQuery(q, snaps), nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
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
