package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
	"github.com/shuiali/crossspread-arb/internal/notify"
)

// Webhook POSTs the JSON-encoded payload to a configured URL.
type Webhook struct {
	verbosity notify.Verbosity
	url       string
	client    *http.Client
}

func NewWebhook(verbosity notify.Verbosity, url string) *Webhook {
	return &Webhook{
		verbosity: verbosity,
		url:       url,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *Webhook) Name() string               { return "webhook" }
func (w *Webhook) Verbosity() notify.Verbosity { return w.verbosity }

func (w *Webhook) Format(ev model.OpportunityEvent) notify.Payload {
	return formatPayload(ev, w.verbosity)
}

func (w *Webhook) Deliver(ctx context.Context, p notify.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errkind.Classify("webhook.Deliver", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return errkind.Classify("webhook.Deliver", &errkind.HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	return nil
}

func (w *Webhook) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook health check: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
