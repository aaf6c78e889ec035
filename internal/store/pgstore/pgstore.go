// Package pgstore keeps documents as jsonb rows of a single documents table.
// Writes run in SERIALIZABLE transactions that are retried when they lose a
// race with a concurrent writer. Listeners share one LISTEN connection per
// store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var _ store.Store = (*Store)(nil)

const notifyChannel = "doc_changes"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);`

// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeInvalidText         = "22P02"
	codeConnectionException = "08000"
	codeConnectionFailure   = "08006"
	codeAdminShutdown       = "57P01"
	codeCannotConnectNow    = "57P03"
)

type Store struct {
	db            *pgxpool.Pool
	now           func() time.Time
	maxTxAttempts int

	mutex     sync.Mutex
	listeners map[store.ListenerHandle]*listener
	hub       *notifyHub
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

func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		db:            db,
		now:           time.Now,
		maxTxAttempts: store.DefaultMaxTxAttempts,
		listeners:     make(map[store.ListenerHandle]*listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the documents table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Context(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(op, apperrors.ReasonDeadlineExceeded, err)
	}

	if code, ok := pkg.PgErrorCode(err); ok {
		switch code {
		case pkg.PgCodeSerializationFailure, pkg.PgCodeDeadlockDetected, pkg.PgCodeUniqueViolation:
			return apperrors.Transient(op, apperrors.ReasonAborted, err)
		case codeInvalidText:
			return apperrors.ValidationWrap(op, fmt.Errorf("%w: %s", store.ErrNotANumber, err))
		case codeConnectionException, codeConnectionFailure, codeAdminShutdown, codeCannotConnectNow:
			return apperrors.Transient(op, apperrors.ReasonConnectionLost, err)
		}
		return apperrors.Wrap(apperrors.KindUnknown, op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperrors.Transient(op, apperrors.ReasonUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return apperrors.Transient(op, apperrors.ReasonUnavailable, err)
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}

// lostRace reports whether a transaction failed only because another one
// committed first. Two transactions creating the same document can surface
// as a unique violation instead of a serialization failure.
func lostRace(err error) bool {
	return pkg.IsSerializationError(err) || pkg.IsUniqueViolationError(err)
}

func decodeRow(raw []byte) (store.Data, error) {
	data := store.Data{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidDocument, err)
	}
	return data, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDoc(ctx context.Context, q querier, ref store.DocRef, forUpdate bool) (*store.Snapshot, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var raw []byte
	if err := q.QueryRow(ctx, query, ref.Collection, ref.ID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &store.Snapshot{Ref: ref, Exists: false}, nil
		}
		return nil, err
	}
	data, err := decodeRow(raw)
	if err != nil {
		return nil, apperrors.DataCorruption("pgstore.get", ref.Path(), err)
	}
	return &store.Snapshot{Ref: ref, Data: data, Exists: true}, nil
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (_ *store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgstore.get")
	span.SetAttributes(attribute.String("doc", ref.Path()))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	snap, err := getDoc(ctx, s.db, ref, false)
	if err != nil {
		return nil, classify("pgstore.get", err)
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

// IncrementField is a single upsert, so concurrent increments never conflict.
func (s *Store) IncrementField(ctx context.Context, ref store.DocRef, field string, delta float64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgstore.increment")
	span.SetAttributes(attribute.String("doc", ref.Path()), attribute.String("field", field))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if !ref.Valid() || field == "" {
		return apperrors.Validation("pgstore.increment", fmt.Sprintf("invalid increment target %s.%s", ref, field))
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (collection, id, data, updated_at)
			VALUES ($1, $2, jsonb_build_object($3::text, $4::float8), now())
			ON CONFLICT (collection, id) DO UPDATE SET
				data = documents.data || jsonb_build_object(
					$3::text, COALESCE((documents.data->>$3::text)::float8, 0) + $4::float8
				),
				updated_at = now()`,
			ref.Collection, ref.ID, field, delta,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, ref.Collection)
		return err
	})
	return classify("pgstore.increment", err)
}

func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	for _, op := range ops {
		if !op.Ref.Valid() {
			return apperrors.Validation("pgstore.batch", fmt.Sprintf("invalid document ref %q", op.Ref))
		}
	}
	return s.runTransaction(ctx, "pgstore.batch", func(ctx context.Context, tx *transaction) error {
		tx.writes = append(tx.writes, ops...)
		return nil
	})
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.runTransaction(ctx, "pgstore.transaction", func(ctx context.Context, tx *transaction) error {
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
		err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(pgTx pgx.Tx) error {
			tx := &transaction{
				pgTx:    pgTx,
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
		if !lostRace(err) {
			return classify(op, err)
		}
		lastErr = err
		log.Tracef("%s: lost a race with a concurrent writer, attempt %d/%d: %s", op, attempt, s.maxTxAttempts, err)
	}
	return store.Conflict(op, s.maxTxAttempts, lastErr)
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

	collections := make(map[string]bool)
	for _, ref := range order {
		data := staged[ref]
		collections[ref.Collection] = true
		if data == nil {
			if _, err := tx.pgTx.Exec(ctx,
				`DELETE FROM documents WHERE collection = $1 AND id = $2`,
				ref.Collection, ref.ID,
			); err != nil {
				return err
			}
			continue
		}

		raw, err := json.Marshal(data)
		if err != nil {
			return apperrors.ValidationWrap(op, err)
		}
		if _, err := tx.pgTx.Exec(ctx, `
			INSERT INTO documents (collection, id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			ref.Collection, ref.ID, raw,
		); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(collections))
	for c := range collections {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		if _, err := tx.pgTx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, c); err != nil {
			return err
		}
	}
	return nil
}

type transaction struct {
	pgTx    pgx.Tx
	current map[store.DocRef]*store.Snapshot
	writes  []store.Op
}

func (t *transaction) read(ctx context.Context, ref store.DocRef) (*store.Snapshot, error) {
	if snap, ok := t.current[ref]; ok {
		return snap, nil
	}
	snap, err := getDoc(ctx, t.pgTx, ref, true)
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
		return nil, apperrors.Validation("pgstore.transaction.get", "reads must happen before writes")
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
		return apperrors.Validation("pgstore.transaction.set", fmt.Sprintf("invalid document ref %q", ref))
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
		return apperrors.Validation("pgstore.transaction.update", fmt.Sprintf("invalid document ref %q", ref))
	}
	t.writes = append(t.writes, store.UpdateOp(ref, fields))
	return nil
}

// Query loads the collection and evaluates the query in process, so filter
// semantics are identical to every other backend.
func (s *Store) Query(ctx context.Context, q store.Query) (_ []store.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgstore.query")
	span.SetAttributes(attribute.String("collection", q.Collection))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := q.Validate(); err != nil {
		return nil, apperrors.ValidationWrap("pgstore.query", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		q.Collection,
	)
	if err != nil {
		return nil, classify("pgstore.query", err)
	}
	defer rows.Close()

	var snaps []store.Snapshot
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classify("pgstore.query", err)
		}
		data, err := decodeRow(raw)
		if err != nil {
			log.Errorf("pgstore: skip undecodable document %s/%s: %s", q.Collection, id, err)
			continue
		}
		snaps = append(snaps, store.Snapshot{Ref: store.Doc(q.Collection, id), Data: data, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("pgstore.query", err)
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
	hub := s.hub
	s.hub = nil
	s.mutex.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	// the hub callbacks take the mutex, stop it only after releasing it
	if hub != nil {
		hub.stop()
	}
	return nil
}
