package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/remote"
	"github.com/2beens/fitsync/internal/store"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
)

// StoreDispatcher puts notifications into the in-app inbox of the target user.
type StoreDispatcher struct {
	store       store.Store
	coordinator *remote.Coordinator
}

func NewStoreDispatcher(s store.Store, coordinator *remote.Coordinator) *StoreDispatcher {
	return &StoreDispatcher{
		store:       s,
		coordinator: coordinator,
	}
}

func (d *StoreDispatcher) Send(ctx context.Context, n Notification) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "notify.store.send")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	data, err := store.Encode(n)
	if err != nil {
		return apperrors.ValidationWrap("notify.store", err)
	}
	data["createdAt"] = store.ServerTimestamp

	ref := store.Doc(Collection, n.ID)
	return d.coordinator.Do(ctx, "notify.store", func(ctx context.Context) error {
		return d.store.Set(ctx, ref, data)
	})
}

// Inbox lists the notifications of a user, newest first.
func (d *StoreDispatcher) Inbox(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	q := store.NewQuery(Collection).
		Where("targetUserId", store.OpEq, userID).
		Order("createdAt", true).
		WithLimit(limit)
	if unreadOnly {
		q = q.Where("read", store.OpEq, false)
	}

	snaps, err := remote.Call(ctx, d.coordinator, "notify.inbox", func(ctx context.Context) ([]store.Snapshot, error) {
		return d.store.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(snaps))
	for _, snap := range snaps {
		var n Notification
		if err := store.Decode(snap.Data, &n); err != nil {
			log.Warnf("notify: skip undecodable notification %s: %s", snap.Ref, err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkRead flags one notification of the user as read.
func (d *StoreDispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	ref := store.Doc(Collection, notificationID)
	return d.coordinator.Do(ctx, "notify.mark_read", func(ctx context.Context) error {
		return d.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return apperrors.NotFound("notify.mark_read", "notification "+notificationID)
			}
			if owner, _ := snap.Data["targetUserId"].(string); owner != userID {
				return apperrors.Authorization("notify.mark_read", "notification of another user")
			}
			return tx.Update(ref, store.Data{"read": true})
		})
	})
}

// HTTPDispatcher posts notifications as JSON to a push gateway.
type HTTPDispatcher struct {
	client    *http.Client
	transport *http.Transport
	url       string
	token     string
}

func NewHTTPDispatcher(url, token string, timeout time.Duration) *HTTPDispatcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPDispatcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		transport: transport,
		url:       url,
		token:     token,
	}
}

func (d *HTTPDispatcher) Close() {
	d.transport.CloseIdleConnections()
}

func (d *HTTPDispatcher) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push gateway responded %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

type LogDispatcher struct{}

func (LogDispatcher) Send(_ context.Context, n Notification) error {
	log.Infof("notify: [%s] to %s: %s - %s", n.Type, n.TargetUserID, n.Title, n.Body)
	return nil
}

// Multi sends every notification to all dispatchers, even when some fail.
type Multi []Dispatcher

func (m Multi) Send(ctx context.Context, n Notification) error {
	var err error
	for _, d := range m {
		err = multierr.Append(err, d.Send(ctx, n))
	}
	return err
}
