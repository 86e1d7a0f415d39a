package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultSendTimeout = 10 * time.Second

// webhookProvider posts a JSON payload to a fixed endpoint. Slack and
// PagerDuty are webhook-style deliveries with provider-specific payload
// shapes; the generic webhook passes the notification through as-is.
type webhookProvider struct {
	name    string
	url     string
	client  *http.Client
	payload func(n Notification) any
}

func (p *webhookProvider) Name() string { return p.name }

func (p *webhookProvider) Send(ctx context.Context, n Notification) error {
	if p.url == "" {
		return notifyErr(p.name, "no endpoint configured")
	}
	body, err := json.Marshal(p.payload(n))
	if err != nil {
		return notifyErr(p.name, "payload not serializable").WithCause(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return notifyErr(p.name, "building request failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return notifyErr(p.name, "post failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return notifyErr(p.name, fmt.Sprintf("endpoint returned %s", resp.Status))
	}
	return nil
}

// NewSlackProvider posts Slack webhook messages.
func NewSlackProvider(webhookURL string, client *http.Client) Provider {
	return &webhookProvider{
		name:   ProviderSlack,
		url:    webhookURL,
		client: orDefaultClient(client),
		payload: func(n Notification) any {
			return map[string]any{"text": n.Message}
		},
	}
}

// NewPagerDutyProvider posts PagerDuty Events API payloads.
func NewPagerDutyProvider(eventsURL, routingKey string, client *http.Client) Provider {
	return &webhookProvider{
		name:   ProviderPagerDuty,
		url:    eventsURL,
		client: orDefaultClient(client),
		payload: func(n Notification) any {
			return map[string]any{
				"routing_key":  routingKey,
				"event_action": "trigger",
				"payload": map[string]any{
					"summary":  n.Message,
					"source":   "gantry",
					"severity": "info",
				},
			}
		},
	}
}

// NewWebhookProvider posts the notification itself to a configured endpoint.
func NewWebhookProvider(endpointURL string, client *http.Client) Provider {
	return &webhookProvider{
		name:   ProviderWebhook,
		url:    endpointURL,
		client: orDefaultClient(client),
		payload: func(n Notification) any {
			return map[string]any{
				"message":    n.Message,
				"recipients": n.Recipients,
				"metadata":   n.Metadata,
			}
		},
	}
}

// MailSender is the external mail collaborator.
type MailSender interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// emailProvider delegates delivery to an injected MailSender.
type emailProvider struct {
	sender MailSender
}

// NewEmailProvider wraps a MailSender as a notification provider.
func NewEmailProvider(sender MailSender) Provider {
	return &emailProvider{sender: sender}
}

func (p *emailProvider) Name() string { return ProviderEmail }

func (p *emailProvider) Send(ctx context.Context, n Notification) error {
	if p.sender == nil {
		return notifyErr(ProviderEmail, "no mail sender configured")
	}
	if len(n.Recipients) == 0 {
		return notifyErr(ProviderEmail, "no recipients")
	}
	subject := n.Message
	if idx := strings.IndexByte(subject, '\n'); idx > 0 {
		subject = subject[:idx]
	}
	if err := p.sender.SendMail(ctx, n.Recipients, subject, n.Message); err != nil {
		return notifyErr(ProviderEmail, "send failed").WithCause(err)
	}
	return nil
}

func orDefaultClient(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{}
	}
	return c
}
