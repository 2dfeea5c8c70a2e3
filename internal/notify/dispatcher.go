// Package notify defines the notification dispatcher seam (spec.md §6
// external collaborator: receives alert records after commit, the core
// does not await its completion). The concrete email/SMS/Slack/webhook
// implementations live outside this repo's scope (spec.md §1); this
// package only carries the interface and a no-op default so the
// orchestrator has somewhere to fire alerts without a hard dependency.
package notify

import (
	"context"
	"log/slog"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Dispatcher receives alert records after the ingestion transaction
// commits. Implementations must not block the caller meaningfully —
// the orchestrator invokes Dispatch in its own goroutine and never
// waits on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *domain.Alert)
}

// NoOp discards every alert. It is the default when no external
// dispatcher is wired, and logs at debug level so the gap is visible
// without being noisy.
type NoOp struct {
	Logger *slog.Logger
}

func (n NoOp) Dispatch(ctx context.Context, alert *domain.Alert) {
	if n.Logger != nil {
		n.Logger.Debug("alert dispatch skipped: no notification dispatcher configured", "alert_id", alert.ID, "kind", alert.Kind)
	}
}
