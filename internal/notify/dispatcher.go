package notify

import (
	"context"
	"log/slog"

	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/pkg/schema"
)

// ProviderDispatcher routes notifications to registered providers by name.
type ProviderDispatcher struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewProviderDispatcher creates a dispatcher over the given providers.
func NewProviderDispatcher(logger *slog.Logger, providers ...Provider) *ProviderDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &ProviderDispatcher{providers: m, logger: logger}
}

// Notify dispatches through the named provider. Unknown providers and
// delivery failures both come back as NOTIFY_ERROR; the caller chooses
// whether the error is swallowed (best-effort) or fails the node (blocking).
func (d *ProviderDispatcher) Notify(ctx context.Context, n Notification) error {
	provider, ok := d.providers[n.Provider]
	if !ok {
		return notifyErr(n.Provider, "provider not configured")
	}
	if err := provider.Send(ctx, n); err != nil {
		logging.LogWith(ctx, d.logger).Warn("notification delivery failed",
			slog.String("provider", n.Provider),
			slog.String("error", err.Error()))
		if schema.CodeOf(err) == schema.ErrCodeNotify {
			return err
		}
		return notifyErr(n.Provider, "delivery failed").WithCause(err)
	}
	logging.LogWith(ctx, d.logger).Debug("notification delivered",
		slog.String("provider", n.Provider))
	return nil
}

var _ Notifier = (*ProviderDispatcher)(nil)
