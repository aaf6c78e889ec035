// Package store defines the document store contract the fitness core runs
// against, together with the pieces every backend shares: query evaluation,
// write sentinels and decoding helpers.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrListenerNotFound = errors.New("listener not found")
	ErrClosed           = errors.New("store closed")
)

// Data is the field map of a single document. Values must be JSON
// compatible; backends normalize them (numbers become float64, times become
// RFC 3339 strings) so every backend returns the same shapes.
type Data map[string]any

// DocRef points to a single document.
type DocRef struct {
	Collection string
	ID         string
}

func Doc(collection, id string) DocRef {
	return DocRef{Collection: collection, ID: id}
}

func (r DocRef) Path() string {
	return r.Collection + "/" + r.ID
}

func (r DocRef) String() string {
	return r.Path()
}

func (r DocRef) Valid() bool {
	return r.Collection != "" && r.ID != ""
}

// Snapshot is the state of a document at read time.
type Snapshot struct {
	Ref    DocRef
	Data   Data
	Exists bool
}

type setOptions struct {
	merge bool
}

type SetOption func(*setOptions)

// Merge makes Set update only the given fields, creating the document if it
// does not exist, instead of replacing the whole document.
func Merge() SetOption {
	return func(o *setOptions) {
		o.merge = true
	}
}

func ApplySetOptions(opts []SetOption) (merge bool) {
	o := setOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return o.merge
}

// Tx is the view of the store inside RunTransaction. All reads must happen
// before the first write; writes are buffered and committed atomically when
// the transaction function returns nil.
type Tx interface {
	Get(ctx context.Context, ref DocRef) (*Snapshot, error)
	Set(ref DocRef, data Data, opts ...SetOption) error
	Update(ref DocRef, fields Data) error
}

// ListenerFunc receives the full result of a listened query every time it
// changes. Calls for one listener are serialized.
type ListenerFunc func(snapshots []Snapshot)

// ListenerHandle identifies a registered listener.
type ListenerHandle string

//go:generate mockgen -source=$GOFILE -destination=storemock/store_mock.go -package=storemock

// Store is the remote document store contract. Implementations must make
// RunTransaction retry its function on write conflicts, and must support the
// Increment and ServerTimestamp sentinels in Set/Update/Batch values.
type Store interface {
	Get(ctx context.Context, ref DocRef) (*Snapshot, error)
	Set(ctx context.Context, ref DocRef, data Data, opts ...SetOption) error
	// Update changes the given fields of an existing document. It fails
	// with a not-found error when the document does not exist.
	Update(ctx context.Context, ref DocRef, fields Data) error
	IncrementField(ctx context.Context, ref DocRef, field string, delta float64) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Batch(ctx context.Context, ops []Op) error
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	AddListener(ctx context.Context, q Query, fn ListenerFunc) (ListenerHandle, error)
	RemoveListener(handle ListenerHandle) error
	Close() error
}

// OpKind is the kind of a single write in a batch.
type OpKind int

const (
	OpSet OpKind = iota
	OpSetMerge
	OpUpdate
	OpDelete
)

type Op struct {
	Kind OpKind
	Ref  DocRef
	Data Data
}

func SetOp(ref DocRef, data Data) Op {
	return Op{Kind: OpSet, Ref: ref, Data: data}
}

func MergeOp(ref DocRef, data Data) Op {
	return Op{Kind: OpSetMerge, Ref: ref, Data: data}
}

func UpdateOp(ref DocRef, fields Data) Op {
	return Op{Kind: OpUpdate, Ref: ref, Data: fields}
}

func DeleteOp(ref DocRef) Op {
	return Op{Kind: OpDelete, Ref: ref}
}

func (o Op) String() string {
	switch o.Kind {
	case OpSet:
		return fmt.Sprintf("set %s", o.Ref)
	case OpSetMerge:
		return fmt.Sprintf("merge %s", o.Ref)
	case OpUpdate:
		return fmt.Sprintf("update %s", o.Ref)
	case OpDelete:
		return fmt.Sprintf("delete %s", o.Ref)
	default:
		return fmt.Sprintf("op(%d) %s", o.Kind, o.Ref)
	}
}
