package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/types"
)

// Headers carried on callback deliveries
const (
	headerRunID     = "x-action-server-run-id"
	headerRequestID = "x-actions-request-id"
)

// callbackMaxElapsed bounds the total retry budget for one delivery
const callbackMaxElapsed = 2 * time.Minute

// callbackSender POSTs terminal results to client-supplied callback URLs
// with a bounded retry budget
type callbackSender struct {
	client *http.Client
}

func newCallbackSender(client *http.Client) *callbackSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &callbackSender{client: client}
}

func (c *callbackSender) deliver(run *types.Run) error {
	operation := func() error {
		payload := run.Result
		if payload == nil {
			payload = []byte("null")
		}
		req, err := http.NewRequest(http.MethodPost, run.CallbackURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerRunID, run.ID)
		if run.RequestID != "" {
			req.Header.Set(headerRequestID, run.RequestID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors do not improve with retries
			return backoff.Permanent(fmt.Errorf("callback endpoint returned %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = callbackMaxElapsed
	return backoff.Retry(operation, policy)
}

// deliverCallback runs the delivery and records failures on the run
func (m *Manager) deliverCallback(run *types.Run) {
	if err := m.callback.deliver(run); err != nil {
		metrics.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
		m.logger.Error().Err(err).Str("run_id", run.ID).Str("url", run.CallbackURL).
			Msg("Callback delivery failed")
		msg := fmt.Sprintf("callback delivery failed: %v", err)
		if err := m.store.AppendRunError(context.Background(), run.ID, msg); err != nil {
			m.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record callback failure")
		}
		return
	}
	metrics.CallbackDeliveriesTotal.WithLabelValues("ok").Inc()
}
