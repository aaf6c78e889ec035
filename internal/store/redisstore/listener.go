package redisstore

import (
	"context"
	"sync"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

type listener struct {
	handle store.ListenerHandle
	query  store.Query
	fn     store.ListenerFunc
	pubSub *redis.PubSub
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() {
		l.cancel()
		if err := l.pubSub.Close(); err != nil {
			log.Debugf("redisstore: close pubsub of listener %s: %s", l.handle, err)
		}
	})
	<-l.exited
}

// AddListener subscribes to the collection change channel before the initial
// query, so no change between the two is missed.
func (s *Store) AddListener(ctx context.Context, q store.Query, fn store.ListenerFunc) (store.ListenerHandle, error) {
	if err := q.Validate(); err != nil {
		return "", apperrors.ValidationWrap("redisstore.listen", err)
	}
	if fn == nil {
		return "", apperrors.Validation("redisstore.listen", "nil listener func")
	}

	pubSub := s.client.Subscribe(ctx, changesChannel(q.Collection))
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return "", classify("redisstore.listen", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &listener{
		handle: store.NewListenerHandle(),
		query:  q,
		fn:     fn,
		pubSub: pubSub,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	s.mutex.Lock()
	s.listeners[l.handle] = l
	s.mutex.Unlock()

	go s.deliver(listenCtx, l)

	log.Debugf("redisstore: listener %s added on %s", l.handle, q)
	return l.handle, nil
}

func (s *Store) deliver(ctx context.Context, l *listener) {
	defer close(l.exited)

	messages := l.pubSub.Channel()
	changed := make(chan struct{}, 1)
	changed <- struct{}{}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		case <-changed:
			// coalesce a burst of change messages into a single query
			drain(messages)

			snaps, err := s.Query(ctx, l.query)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("redisstore: listener %s query: %s", l.handle, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.fn(snaps)
		}
	}
}

func drain(messages <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
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
	log.Debugf("redisstore: listener %s removed", handle)
	return nil
}
