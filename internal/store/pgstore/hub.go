package pgstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// notificationConn is the part of *pgx.Conn the hub needs.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// notifyHub owns the single LISTEN connection of a store and fans its
// notifications out through onNotify. A lost connection is reopened with
// exponential backoff; onResync runs after every successful connect, since
// notifications sent while disconnected are gone.
type notifyHub struct {
	connect  func(ctx context.Context) (notificationConn, error)
	onNotify func(collection string)
	onResync func()
	backoff  backoff.BackOff
	sleep    func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	exited chan struct{}
}

func newNotifyHub(
	connect func(ctx context.Context) (notificationConn, error),
	onNotify func(collection string),
	onResync func(),
) *notifyHub {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	// never give up, the store outlives any outage
	b.MaxElapsedTime = 0

	return &notifyHub{
		connect:  connect,
		onNotify: onNotify,
		onResync: onResync,
		backoff:  b,
		sleep:    sleepCtx,
	}
}

func (h *notifyHub) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.exited = make(chan struct{})
	go h.run(ctx)
}

func (h *notifyHub) stop() {
	h.cancel()
	<-h.exited
}

func (h *notifyHub) run(ctx context.Context) {
	defer close(h.exited)

	for {
		conn, err := h.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !h.wait(ctx, "connect", err) {
				return
			}
			continue
		}

		h.backoff.Reset()
		h.onResync()
		err = h.listen(ctx, conn)
		closeConn(conn)
		if ctx.Err() != nil {
			return
		}
		if !h.wait(ctx, "connection lost", err) {
			return
		}
	}
}

func (h *notifyHub) wait(ctx context.Context, what string, err error) bool {
	delay := h.backoff.NextBackOff()
	log.Warnf("pgstore: listen %s, retrying in %s: %s", what, delay, err)
	return h.sleep(ctx, delay) == nil
}

func (h *notifyHub) listen(ctx context.Context, conn notificationConn) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		h.onNotify(notification.Payload)
	}
}

func closeConn(conn notificationConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		log.Debugf("pgstore: close listen connection: %s", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
