package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/logging"
)

// WebhookDispatcher POSTs snapshots to an HTTP endpoint, such as a guardian
// view following the rider. Snapshots are coalesced: only the newest one
// waiting to be sent survives.
type WebhookDispatcher struct {
	Endpoint string
	Client   *http.Client
	Attempts uint
	Logger   *slog.Logger

	pending chan coordinator.Snapshot
}

func NewWebhookDispatcher(endpoint string, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Attempts: 3,
		Logger:   logging.OrDefault(logger),
		pending:  make(chan coordinator.Snapshot, 1),
	}
}

// Publish implements coordinator.Observer.
func (d *WebhookDispatcher) Publish(s coordinator.Snapshot) {
	for {
		select {
		case d.pending <- s:
			return
		default:
		}
		select {
		case <-d.pending:
		default:
		}
	}
}

// Run delivers snapshots until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-d.pending:
			if err := d.deliver(ctx, s); err != nil && ctx.Err() == nil {
				d.Logger.Warn("webhook_delivery_failed", "endpoint", d.Endpoint, "phase", s.Phase, "error", err)
			}
		}
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, s coordinator.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	attempts := d.Attempts
	if attempts == 0 {
		attempts = 1
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.Client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
	)
	return err
}
