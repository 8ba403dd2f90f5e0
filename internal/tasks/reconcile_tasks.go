package tasks

import (
	"context"
	"time"

	"github.com/spf13/cast"

	"coliving_app_echo/internal/models"
)

const (
	ReconcileStalePaymentsTaskID = "reconcile_stale_payments"
	// DefaultSweepRule runs the sweep every 15 minutes
	DefaultSweepRule = "FREQ=MINUTELY;INTERVAL=15"
)

type StaleReconciler interface {
	ReconcileStale(ctx context.Context, before time.Time, limit int) (int, error)
}

// ReconcileStalePaymentsTaskDef asks the gateway about initiated payments whose
// callback never arrived. Arguments: stale_after_seconds, limit.
type ReconcileStalePaymentsTaskDef struct {
	reconciler StaleReconciler
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewReconcileStalePaymentsTask(reconciler StaleReconciler, staleAfter time.Duration) *ReconcileStalePaymentsTaskDef {
	return &ReconcileStalePaymentsTaskDef{reconciler: reconciler, staleAfter: staleAfter, limit: 100, now: time.Now}
}

func (t *ReconcileStalePaymentsTaskDef) TaskID() string {
	return ReconcileStalePaymentsTaskID
}

func (t *ReconcileStalePaymentsTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	staleAfter := t.staleAfter
	if secs := cast.ToInt64(task.Arguments["stale_after_seconds"]); secs > 0 {
		staleAfter = time.Duration(secs) * time.Second
	}
	limit := t.limit
	if l := cast.ToInt(task.Arguments["limit"]); l > 0 {
		limit = l
	}

	before := t.now().Add(-staleAfter)
	settled, err := t.reconciler.ReconcileStale(ctx, before, limit)
	result := map[string]interface{}{
		"settled": settled,
		"before":  before.Format(time.RFC3339),
		"limit":   limit,
	}
	return result, err
}
