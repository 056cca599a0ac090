package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Notifier forwards a new lead to operators.
type Notifier interface {
	Notify(ctx context.Context, lead *model.Lead) error
}

// ErrNotConfigured is returned by a notifier without a destination.
var ErrNotConfigured = errors.New("notifier not configured")

// Publisher is the JetStream publish call.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSNotifier publishes lead events on leads.<tenant>.created.
type NATSNotifier struct {
	js Publisher
}

// NewNATSNotifier creates a JetStream lead publisher.
func NewNATSNotifier(js Publisher) *NATSNotifier {
	return &NATSNotifier{js: js}
}

// Subject returns the subject a tenant's lead events go to.
func Subject(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return "leads." + strings.ReplaceAll(tenantID, ".", "_") + ".created"
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, lead *model.Lead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("marshal lead: %w", err)
	}
	if _, err := n.js.Publish(ctx, Subject(lead.TenantID), data, jetstream.WithMsgID(lead.ID)); err != nil {
		return fmt.Errorf("publish lead: %w", err)
	}
	return nil
}

// WebhookNotifier posts a short operator message to an incoming webhook.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type webhookMessage struct {
	Text string      `json:"text"`
	Lead *model.Lead `json:"lead"`
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, lead *model.Lead) error {
	if n.url == "" {
		return ErrNotConfigured
	}

	msg := webhookMessage{
		Text: fmt.Sprintf("[LEAD] %s via %s (%s)", lead.Contact, lead.Channel, lead.Language),
		Lead: lead,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, lead *model.Lead) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, lead); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
