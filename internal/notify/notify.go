// Package notify implements the best-effort notification dispatch the
// StateMachine fires when a Task reaches a terminal state (§4.3 rule 4,
// §7 NotifyFailure): walk a task's notifications connectors and deliver
// the payload to each, logging and swallowing any failure rather than
// letting it abort the transition that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
)

// Dispatcher is a ccstate.Notifier: it fans a payload out to every
// connector of a task's notifications list. Only the "http" and "webhook"
// connector types are given wire behavior here; any other connector_type is logged
// at debug level and otherwise ignored, since connectors are opaque to
// the scheduler (§6 Connector) and are properly interpreted by the
// in-container worker, not this core.
type Dispatcher struct {
	client *http.Client
	log    *logging.Logger
}

// New creates a Dispatcher with the given per-request timeout.
func New(timeout time.Duration, log *logging.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{client: &http.Client{Timeout: timeout}, log: log}
}

// Notify delivers payload to every connector in turn, best-effort.
// It never returns an error: delivery failures are logged (§7
// NotifyFailure) and counted in metrics.NotifyFailuresTotal.
func (d *Dispatcher) Notify(ctx context.Context, connectors []ccmodel.Connector, payload map[string]any) {
	for _, c := range connectors {
		if err := d.deliver(ctx, c, payload); err != nil {
			d.log.Error("notification delivery failed", "connector_type", c.ConnectorType, "error", err)
			metrics.NotifyFailuresTotal.WithLabelValues(c.ConnectorType).Inc()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, c ccmodel.Connector, payload map[string]any) error {
	switch c.ConnectorType {
	case "http", "webhook":
		return d.deliverHTTP(ctx, c, payload)
	default:
		d.log.Debug("notification connector type has no wire behavior in this core", "connector_type", c.ConnectorType)
		return nil
	}
}

func (d *Dispatcher) deliverHTTP(ctx context.Context, c ccmodel.Connector, payload map[string]any) error {
	url, _ := c.ConnectorAccess["url"].(string)
	if url == "" {
		return fmt.Errorf("http connector missing connector_access.url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
