package mongostore

import (
	"context"
	"sync"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

type listener struct {
	handle store.ListenerHandle
	query  store.Query
	fn     store.ListenerFunc
	stream *mongo.ChangeStream
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (l *listener) stop() {
	l.once.Do(l.cancel)
	<-l.exited
}

// AddListener opens the change stream before the initial query, so no
// change between the two is missed.
func (s *Store) AddListener(ctx context.Context, q store.Query, fn store.ListenerFunc) (store.ListenerHandle, error) {
	if err := q.Validate(); err != nil {
		return "", apperrors.ValidationWrap("mongostore.listen", err)
	}
	if fn == nil {
		return "", apperrors.Validation("mongostore.listen", "nil listener func")
	}

	stream, err := s.collection(q.Collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return "", classify("mongostore.listen", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &listener{
		handle: store.NewListenerHandle(),
		query:  q,
		fn:     fn,
		stream: stream,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	s.mutex.Lock()
	s.listeners[l.handle] = l
	s.mutex.Unlock()

	go s.deliver(listenCtx, l)

	log.Debugf("mongostore: listener %s added on %s", l.handle, q)
	return l.handle, nil
}

func (s *Store) deliver(ctx context.Context, l *listener) {
	defer close(l.exited)
	defer func() {
		if err := l.stream.Close(context.Background()); err != nil {
			log.Debugf("mongostore: close change stream of %s: %s", l.handle, err)
		}
	}()

	refresh := func() bool {
		snaps, err := s.Query(ctx, l.query)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Errorf("mongostore: listener %s query: %s", l.handle, err)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		l.fn(snaps)
		return true
	}

	if !refresh() {
		return
	}

	for l.stream.Next(ctx) {
		// a burst of changes results in one query
		for l.stream.RemainingBatchLength() > 0 {
			if !l.stream.Next(ctx) {
				break
			}
		}
		if !refresh() {
			return
		}
	}
	if err := l.stream.Err(); err != nil && ctx.Err() == nil {
		log.Errorf("mongostore: listener %s change stream: %s", l.handle, err)
	}
}

func (s *Store) RemoveListener(handle store.ListenerHandle) error {
	s.mutex.Lock()
	l, ok := s.listeners[handle]
	delete(s.listeners, handle)
	s.mutex.Unlock()

	if !ok {
		return store.ErrListenerNotFound
	}
	l.stop()
	log.Debugf("mongostore: listener %s removed", handle)
	return nil
}
