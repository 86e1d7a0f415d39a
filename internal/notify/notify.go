package notify

import (
	"context"

	"github.com/rendis/gantry/pkg/schema"
)

// Notification is one message routed through a provider.
type Notification struct {
	Provider   string         `json:"provider"`
	Recipients []string       `json:"recipients,omitempty"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Notifier dispatches a notification through its provider. Delivery is
// best-effort unless the originating node is marked blocking; the engine
// decides what to do with a returned error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Provider delivers messages for a single channel (slack, email, webhook,
// pagerduty).
type Provider interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Known provider names, matching the notification node config enum.
const (
	ProviderSlack     = "slack"
	ProviderEmail     = "email"
	ProviderWebhook   = "webhook"
	ProviderPagerDuty = "pagerduty"
)

// ValidProviders is the set of recognized notification providers.
var ValidProviders = map[string]bool{
	ProviderSlack:     true,
	ProviderEmail:     true,
	ProviderWebhook:   true,
	ProviderPagerDuty: true,
}

func notifyErr(provider, message string) *schema.GantryError {
	return schema.NewErrorf(schema.ErrCodeNotify, "%s: %s", provider, message)
}
