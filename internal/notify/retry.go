package notify

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/pkg/schema"
)

// RetryConfig controls redelivery of failed notifications.
type RetryConfig struct {
	// MaxAttempts is the total number of delivery attempts, including the first.
	MaxAttempts int
	// Delay is the base backoff between attempts, doubled each retry.
	Delay time.Duration
	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the delivery retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// RetryingNotifier wraps a Notifier with capped exponential backoff.
// Redelivery applies only to transient failures; an unknown provider or a
// rejected payload fails immediately.
type RetryingNotifier struct {
	next   Notifier
	config RetryConfig
	logger *slog.Logger
}

// NewRetryingNotifier wraps next with the given retry configuration.
func NewRetryingNotifier(next Notifier, config RetryConfig, logger *slog.Logger) *RetryingNotifier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingNotifier{next: next, config: config, logger: logger}
}

// Notify delivers the notification, retrying transient failures.
func (rn *RetryingNotifier) Notify(ctx context.Context, n Notification) error {
	var lastErr error
	for attempt := 0; attempt < rn.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, rn.backoff(attempt)); err != nil {
				return lastErr
			}
			logging.LogWith(ctx, rn.logger).Debug("retrying notification delivery",
				slog.String("provider", n.Provider),
				slog.Int("attempt", attempt+1))
		}

		lastErr = rn.next.Notify(ctx, n)
		if lastErr == nil {
			return nil
		}
		if !isTransientDeliveryError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (rn *RetryingNotifier) backoff(attempt int) time.Duration {
	delay := rn.config.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if rn.config.MaxDelay > 0 && delay > rn.config.MaxDelay {
		delay = rn.config.MaxDelay
	}
	return delay
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isTransientDeliveryError classifies whether a delivery failure is worth
// retrying. Timeouts and network errors are; anything the provider rejected
// outright is not.
func isTransientDeliveryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gerr *schema.GantryError
	if errors.As(err, &gerr) && gerr.Cause == nil {
		// A coded error with no wrapped cause is a routing or payload
		// problem, not a transport one.
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}
