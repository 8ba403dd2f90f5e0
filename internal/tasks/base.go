package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
)

// BuildScheduledTask is a helper to build ScheduledTask records generically
func BuildScheduledTask(taskName string, args interface{}, due time.Time, recurringInterval *string, taskType models.ScheduledTaskType, maxAttempt int) (*models.ScheduledTask, error) {
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	var mapArgs map[string]interface{}
	if err := json.Unmarshal(argsBytes, &mapArgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into map: %w", err)
	}
	if maxAttempt < 1 {
		maxAttempt = 1
	}

	return &models.ScheduledTask{
		TaskName:          taskName,
		Arguments:         mapArgs,
		Due:               due,
		RecurringInterval: recurringInterval,
		Status:            models.ScheduledTaskStatusActive,
		TaskType:          taskType,
		MaxAttempt:        maxAttempt,
	}, nil
}

// decodeArgs converts the stored argument map back into a typed struct
func decodeArgs(task models.ScheduledTask, out interface{}) error {
	argsBytes, err := json.Marshal(task.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(argsBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return nil
}

// EnsureRecurring creates the recurring task unless one with the same name is
// already scheduled. It returns the existing or newly created row.
func EnsureRecurring(ctx context.Context, db *gorm.DB, taskName, rule string, args interface{}, start time.Time) (*models.ScheduledTask, bool, error) {
	var existing models.ScheduledTask
	err := db.WithContext(ctx).
		Where("task_name = ? AND task_type = ? AND status IN ?", taskName, models.ScheduledTaskTypeRecurring,
			[]models.ScheduledTaskStatus{models.ScheduledTaskStatusActive, models.ScheduledTaskStatusRunning}).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	task, err := BuildScheduledTask(taskName, args, start, &rule, models.ScheduledTaskTypeRecurring, 1)
	if err != nil {
		return nil, false, err
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, false, err
	}
	return task, true, nil
}
