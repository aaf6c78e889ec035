package memstore

import (
	"context"
	"sync"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	log "github.com/sirupsen/logrus"
)

// listener runs its callback on a dedicated goroutine. Change signals are
// coalesced, so a slow callback sees the latest result and never a backlog.
type listener struct {
	handle  store.ListenerHandle
	query   store.Query
	fn      store.ListenerFunc
	changed chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func (l *listener) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// stop waits for the delivery goroutine to exit. It must not be called from
// the listener's own callback.
func (l *listener) stop() {
	l.once.Do(func() {
		close(l.done)
	})
	<-l.exited
}

func (s *Store) AddListener(ctx context.Context, q store.Query, fn store.ListenerFunc) (store.ListenerHandle, error) {
	if err := q.Validate(); err != nil {
		return "", apperrors.ValidationWrap("memstore.listen", err)
	}
	if fn == nil {
		return "", apperrors.Validation("memstore.listen", "nil listener func")
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.Context("memstore.listen", err)
	}
	if err := s.fault("listen", store.DocRef{Collection: q.Collection}); err != nil {
		return "", err
	}

	l := &listener{
		handle:  store.NewListenerHandle(),
		query:   q,
		fn:      fn,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	s.mutex.Lock()
	s.listeners[l.handle] = l
	s.mutex.Unlock()

	go s.deliver(l)
	// initial result
	l.signal()

	log.Debugf("memstore: listener %s added on %s", l.handle, q)
	return l.handle, nil
}

func (s *Store) deliver(l *listener) {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			return
		case <-l.changed:
		}

		s.mutex.Lock()
		snaps := s.queryLocked(l.query)
		s.mutex.Unlock()

		select {
		case <-l.done:
			return
		default:
		}
		l.fn(snaps)
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
	log.Debugf("memstore: listener %s removed", handle)
	return nil
}

// ListenerCount returns the number of registered listeners.
func (s *Store) ListenerCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.listeners)
}

func (s *Store) notify(changed map[string]bool) {
	if len(changed) == 0 {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, l := range s.listeners {
		if changed[l.query.Collection] {
			l.signal()
		}
	}
}
