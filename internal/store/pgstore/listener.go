package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/store"

	log "github.com/sirupsen/logrus"
)

const listenerRetryDelay = time.Second

// listener re-runs its query on a dedicated goroutine whenever its
// collection is notified. Signals are coalesced, the callback always sees
// the latest result.
type listener struct {
	handle  store.ListenerHandle
	query   store.Query
	fn      store.ListenerFunc
	changed chan struct{}
	cancel  context.CancelFunc
	exited  chan struct{}
	once    sync.Once
}

func (l *listener) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.once.Do(l.cancel)
	<-l.exited
}

func (s *Store) AddListener(ctx context.Context, q store.Query, fn store.ListenerFunc) (store.ListenerHandle, error) {
	if err := q.Validate(); err != nil {
		return "", apperrors.ValidationWrap("pgstore.listen", err)
	}
	if fn == nil {
		return "", apperrors.Validation("pgstore.listen", "nil listener func")
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.Context("pgstore.listen", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &listener{
		handle:  store.NewListenerHandle(),
		query:   q,
		fn:      fn,
		changed: make(chan struct{}, 1),
		cancel:  cancel,
		exited:  make(chan struct{}),
	}

	s.mutex.Lock()
	s.listeners[l.handle] = l
	if s.hub == nil {
		s.hub = newNotifyHub(s.connectListen, s.notifyCollection, s.resyncListeners)
		s.hub.start()
	}
	s.mutex.Unlock()

	go s.deliver(listenCtx, l)
	// initial result
	l.signal()

	log.Debugf("pgstore: listener %s added on %s", l.handle, q)
	return l.handle, nil
}

// connectListen takes a connection out of the pool for good; in LISTEN mode
// it can never be handed to another caller.
func (s *Store) connectListen(ctx context.Context) (notificationConn, error) {
	poolConn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, classify("pgstore.listen", err)
	}
	conn := poolConn.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify("pgstore.listen", err)
	}
	log.Debugf("pgstore: listening on %s", notifyChannel)
	return conn, nil
}

func (s *Store) notifyCollection(collection string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, l := range s.listeners {
		if l.query.Collection == collection {
			l.signal()
		}
	}
}

func (s *Store) resyncListeners() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, l := range s.listeners {
		l.signal()
	}
}

func (s *Store) deliver(ctx context.Context, l *listener) {
	defer close(l.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.changed:
		}

		snaps, err := s.Query(ctx, l.query)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Errorf("pgstore: listener %s query: %s", l.handle, err)
			time.AfterFunc(listenerRetryDelay, l.signal)
			continue
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
	log.Debugf("pgstore: listener %s removed", handle)
	return nil
}
