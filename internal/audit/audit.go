package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/store"
)

// Entry is one auditable event.
type Entry struct {
	TeamID       string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
}

// Recorder appends audit entries fire-and-forget: append failures are logged
// and swallowed, never propagated to the operation being audited.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Record appends an audit entry. Errors never reach the caller.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	var details json.RawMessage
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			logging.LogWith(ctx, r.logger).Warn("audit details not serializable",
				slog.String("action", e.Action))
		} else {
			details = raw
		}
	}

	err := r.store.AppendAudit(ctx, &store.AuditEntry{
		TeamID:       e.TeamID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("audit append failed",
			slog.String("action", e.Action),
			slog.String("resource_id", e.ResourceID),
			slog.String("error", err.Error()))
	}
}
