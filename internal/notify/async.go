package notify

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

const DefaultSendTimeout = 10 * time.Second

// Async sends through the wrapped dispatcher on its own goroutine and returns
// right away. The send is detached from the caller's cancellation but bounded
// by a timeout; failures and panics are logged and counted.
type Async struct {
	name    string
	next    Dispatcher
	timeout time.Duration
	metrics *metrics.Manager
	wg      sync.WaitGroup
}

func NewAsync(name string, next Dispatcher, timeout time.Duration, m *metrics.Manager) *Async {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Async{
		name:    name,
		next:    next,
		timeout: timeout,
		metrics: m,
	}
}

func (a *Async) Send(ctx context.Context, n Notification) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Errorf("notify: panic in %s sending %s: %v\n%s", a.name, n.ID, r, debug.Stack())
				a.count("panic")
			}
		}()

		if err := a.next.Send(sendCtx, n); err != nil {
			log.Errorf("notify: %s failed to send %s [%s] to %s: %s", a.name, n.Type, n.ID, n.TargetUserID, err)
			a.count("error")
			return
		}
		a.count("ok")
	}()
	return nil
}

// Wait blocks until all in-flight sends are done.
func (a *Async) Wait() {
	a.wg.Wait()
}

func (a *Async) count(outcome string) {
	if a.metrics != nil {
		a.metrics.CounterNotifications.WithLabelValues(a.name, outcome).Inc()
	}
}
