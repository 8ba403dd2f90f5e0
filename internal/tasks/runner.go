package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
)

const (
	historyStatusSuccess         = "success"
	historyStatusFailure         = "failure"
	historyStatusHandlerNotFound = "handler_not_found"
)

// Runner executes due scheduled tasks. Several workers may share one database:
// a task is only run by the worker whose active → running update succeeds.
type Runner struct {
	db       *gorm.DB
	registry *Registry
	batch    int
	now      func() time.Time
}

func NewRunner(db *gorm.DB, registry *Registry) *Runner {
	return &Runner{db: db, registry: registry, batch: 50, now: time.Now}
}

// RunDue executes every task that is active and due, returning how many were run
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	var due []models.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, r.now()).
		Order("due asc").
		Limit(r.batch).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("fetch due tasks: %w", err)
	}

	ran := 0
	for _, task := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}

		claimed, err := r.claim(ctx, task.ID)
		if err != nil {
			slog.Error("Failed to claim task", "task_id", task.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		r.execute(ctx, task)
		ran++
	}
	return ran, nil
}

// ReleaseStuck returns tasks left running by a crashed worker to active
func (r *Runner) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("status = ? AND updated_at < ?", models.ScheduledTaskStatusRunning, r.now().Add(-olderThan)).
		Update("status", models.ScheduledTaskStatusActive)
	return res.RowsAffected, res.Error
}

func (r *Runner) claim(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, models.ScheduledTaskStatusActive).
		Update("status", models.ScheduledTaskStatusRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Runner) execute(ctx context.Context, task models.ScheduledTask) {
	slog.Info("Processing task", "task", task.TaskName, "task_id", task.ID)

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		slog.Warn("Task handler not found, marking as failure", "task", task.TaskName, "task_id", task.ID)
		now := r.now()
		r.writeHistory(ctx, task, now, 0, historyStatusHandlerNotFound, 1, map[string]interface{}{"error": "handler not found"})
		r.finish(ctx, task, now, models.ScheduledTaskStatusFailure)
		return
	}

	maxAttempt := task.MaxAttempt
	if maxAttempt < 1 {
		maxAttempt = 1
	}

	var (
		startTime time.Time
		err       error
	)
	for attempt := 1; attempt <= maxAttempt; attempt++ {
		startTime = r.now()
		var result map[string]interface{}
		result, err = handler(ctx, task)
		runtimeMs := int(time.Since(startTime).Milliseconds())

		if err == nil {
			r.writeHistory(ctx, task, startTime, runtimeMs, historyStatusSuccess, attempt, result)
			slog.Info("Task completed", "task", task.TaskName, "task_id", task.ID, "attempt", attempt)
			break
		}

		r.writeHistory(ctx, task, startTime, runtimeMs, historyStatusFailure, attempt, map[string]interface{}{"error": err.Error()})
		slog.Warn("Task attempt failed", "task", task.TaskName, "task_id", task.ID, "attempt", attempt, "max_attempt", maxAttempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	r.finish(ctx, task, startTime, r.nextStatus(task, err))
}

// nextStatus decides where a task goes after a run. Recurring tasks keep their
// schedule after a failed run; the next occurrence gets a fresh set of attempts.
func (r *Runner) nextStatus(task models.ScheduledTask, runErr error) models.ScheduledTaskStatus {
	if task.TaskType == models.ScheduledTaskTypeRecurring {
		if next := task.NextDueAfter(r.now()); next.After(task.Due) {
			return models.ScheduledTaskStatusActive
		}
		if runErr != nil {
			return models.ScheduledTaskStatusFailure
		}
		return models.ScheduledTaskStatusDone
	}
	if runErr != nil {
		return models.ScheduledTaskStatusFailure
	}
	return models.ScheduledTaskStatusDone
}

func (r *Runner) finish(ctx context.Context, task models.ScheduledTask, lastRun time.Time, status models.ScheduledTaskStatus) {
	updates := map[string]interface{}{
		"status":   status,
		"last_run": lastRun,
	}
	if status == models.ScheduledTaskStatusActive {
		updates["due"] = task.NextDueAfter(r.now())
	}

	// The run's own context may be cancelled; the bookkeeping still has to land
	err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ScheduledTask{}).
		Where("id = ?", task.ID).
		Updates(updates).Error
	if err != nil {
		slog.Error("Failed to update task", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) writeHistory(ctx context.Context, task models.ScheduledTask, runAt time.Time, runtimeMs int, status string, attempt int, result map[string]interface{}) {
	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           runAt,
		RuntimeMs:       runtimeMs,
		Status:          status,
		AttemptNumber:   attempt,
		Arguments:       task.Arguments,
		Result:          result,
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&history).Error; err != nil {
		slog.Error("Failed to write task history", "task_id", task.ID, "error", err)
	}
}
