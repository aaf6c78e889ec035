// Package mongostore maps every store collection to a MongoDB collection,
// with the document id as _id. Multi-document writes run in session
// transactions and listeners are driven by change streams, so the server
// must run as a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/otel/attribute"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time

	mutex     sync.Mutex
	listeners map[store.ListenerHandle]*listener
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(client *mongo.Client, database string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		db:        client.Database(database),
		now:       time.Now,
		listeners: make(map[store.ListenerHandle]*listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the server and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

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
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return apperrors.Transient(op, apperrors.ReasonDeadlineExceeded, err)
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return apperrors.Transient(op, apperrors.ReasonConnectionLost, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorLabel("TransientTransactionError") || serverErr.HasErrorCode(112) {
			// 112: WriteConflict
			return apperrors.Transient(op, apperrors.ReasonAborted, err)
		}
		if serverErr.HasErrorCode(14) {
			// 14: TypeMismatch, $inc on a non numeric field
			return apperrors.ValidationWrap(op, fmt.Errorf("%w: %s", store.ErrNotANumber, err))
		}
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}

// fromBSON converts a decoded document into the canonical store shapes.
func fromBSON(doc bson.M) (store.Data, error) {
	data := make(store.Data, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		data[k] = fromBSONValue(v)
	}
	return store.Normalize(data)
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = fromBSONValue(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, fromBSONValue(item))
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

func toBSON(ref store.DocRef, data store.Data) bson.M {
	doc := make(bson.M, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["_id"] = ref.ID
	return doc
}

func (s *Store) collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *Store) findOne(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	var doc bson.M
	err := s.collection(ref.Collection).FindOne(ctx, bson.M{"_id": ref.ID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &store.Snapshot{Ref: ref, Exists: false}, nil
		}
		return nil, err
	}
	data, err := fromBSON(doc)
	if err != nil {
		return nil, apperrors.DataCorruption("mongostore.get", ref.Path(), err)
	}
	return &store.Snapshot{Ref: ref, Data: data, Exists: true}, nil
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (_ *store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "mongostore.get")
	span.SetAttributes(attribute.String("doc", ref.Path()))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	snap, err := s.findOne(ctx, ref)
	if err != nil {
		return nil, classify("mongostore.get", err)
	}
	return snap, nil
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

// IncrementField is a single $inc upsert, atomic on the server.
func (s *Store) IncrementField(ctx context.Context, ref store.DocRef, field string, delta float64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "mongostore.increment")
	span.SetAttributes(attribute.String("doc", ref.Path()), attribute.String("field", field))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if !ref.Valid() || field == "" {
		return apperrors.Validation("mongostore.increment", fmt.Sprintf("invalid increment target %s.%s", ref, field))
	}

	_, err = s.collection(ref.Collection).UpdateOne(ctx,
		bson.M{"_id": ref.ID},
		bson.M{"$inc": bson.M{field: delta}},
		options.Update().SetUpsert(true),
	)
	return classify("mongostore.increment", err)
}

func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	for _, op := range ops {
		if !op.Ref.Valid() {
			return apperrors.Validation("mongostore.batch", fmt.Sprintf("invalid document ref %q", op.Ref))
		}
	}
	return s.runTransaction(ctx, "mongostore.batch", func(ctx context.Context, tx *transaction) error {
		tx.writes = append(tx.writes, ops...)
		return nil
	})
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.runTransaction(ctx, "mongostore.transaction", func(ctx context.Context, tx *transaction) error {
		return fn(ctx, tx)
	})
}

// runTransaction relies on WithTransaction, which re-runs the callback on
// transient transaction errors and retries the commit on unknown results.
func (s *Store) runTransaction(ctx context.Context, op string, fn func(ctx context.Context, tx *transaction) error) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, op)
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	session, err := s.client.StartSession()
	if err != nil {
		return classify(op, err)
	}
	defer session.EndSession(context.Background())

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	attempts := 0
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		attempts++
		tx := &transaction{
			store:   s,
			current: make(map[store.DocRef]*store.Snapshot),
		}
		if err := fn(sc, tx); err != nil {
			return nil, err
		}
		return nil, s.commit(sc, op, tx)
	}, txOpts)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (s *Store) commit(ctx context.Context, op string, tx *transaction) error {
	if len(tx.writes) == 0 {
		return nil
	}

	now := s.now()
	staged := make(map[store.DocRef]store.Data)
	order := make([]store.DocRef, 0, len(tx.writes))
	for _, w := range tx.writes {
		if _, err := tx.read(ctx, w.Ref); err != nil {
			return err
		}
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

	for _, ref := range order {
		data := staged[ref]
		coll := s.collection(ref.Collection)
		if data == nil {
			if _, err := coll.DeleteOne(ctx, bson.M{"_id": ref.ID}); err != nil {
				return err
			}
			continue
		}
		if _, err := coll.ReplaceOne(ctx,
			bson.M{"_id": ref.ID},
			toBSON(ref, data),
			options.Replace().SetUpsert(true),
		); err != nil {
			return err
		}
	}
	return nil
}

type transaction struct {
	store   *Store
	current map[store.DocRef]*store.Snapshot
	writes  []store.Op
}

func (t *transaction) read(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if snap, ok := t.current[ref]; ok {
		return snap, nil
	}
	snap, err := t.store.findOne(ctx, ref)
	if err != nil {
		return nil, err
	}
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
		return nil, apperrors.Validation("mongostore.transaction.get", "reads must happen before writes")
	}
	snap, err := t.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := *snap
	out.Data = store.Clone(snap.Data)
	return &out, nil
}

func (t *transaction) Set(ref store.DocRef, data store.Data, opts ...store.SetOption) error {
	if !ref.Valid() {
		return apperrors.Validation("mongostore.transaction.set", fmt.Sprintf("invalid document ref %q", ref))
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
		return apperrors.Validation("mongostore.transaction.update", fmt.Sprintf("invalid document ref %q", ref))
	}
	t.writes = append(t.writes, store.UpdateOp(ref, fields))
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) (_ []store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "mongostore.query")
	span.SetAttributes(attribute.String("collection", q.Collection))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := q.Validate(); err != nil {
		return nil, apperrors.ValidationWrap("mongostore.query", err)
	}

	cursor, err := s.collection(q.Collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, classify("mongostore.query", err)
	}
	defer cursor.Close(context.Background())

	var snaps []store.Snapshot
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			log.Errorf("mongostore: skip undecodable document in %s: %s", q.Collection, err)
			continue
		}
		id := fmt.Sprint(fromBSONValue(doc["_id"]))
		data, err := fromBSON(doc)
		if err != nil {
			log.Errorf("mongostore: skip document %s/%s: %s", q.Collection, id, err)
			continue
		}
		snaps = append(snaps, store.Snapshot{Ref: store.Doc(q.Collection, id), Data: data, Exists: true})
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("mongostore.query", err)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Ref.ID < snaps[j].Ref.ID })
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
