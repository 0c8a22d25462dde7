// Package alerts delivers operator notifications to an HTTP webhook.
package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/foliosource/bindery/internal/domain"
)

// Webhook posts alerts as JSON to a configured URL. Delivery is best-effort;
// callers log failures and move on.
type Webhook struct {
	url    string
	client *http.Client
}

// New builds a Webhook notifier. Passing a nil client installs a 10s-timeout
// client with tracing.
func New(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Webhook{url: url, client: client}
}

// Notify posts one alert. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx domain.Context, a domain.Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=alerts.notify: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=alerts.notify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("op=alerts.notify: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=alerts.notify: webhook status %d", resp.StatusCode)
	}
	slog.Debug("alert delivered", slog.String("kind", a.Kind))
	return nil
}
