package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("analysis task not found")

const taskColumns = `id, parent_id, service, model, app_number, tools, status, progress,
	retry_count, max_retries, result_summary, error_message, created_at, started_at, completed_at`

// CreateTaskTree persists a main task and its subtasks in one transaction.
// Subtasks are created exactly once, here; they are never re-parented.
func (s *Store) CreateTaskTree(ctx context.Context, main *domain.AnalysisTask, subtasks []*domain.AnalysisTask) error {
	return s.withLock(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := insertTask(ctx, tx, main); err != nil {
			return err
		}
		for _, sub := range subtasks {
			if err := insertTask(ctx, tx, sub); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, task *domain.AnalysisTask) error {
	toolsJSON, err := json.Marshal(task.Tools)
	if err != nil {
		return err
	}

	var parent interface{}
	if task.ParentID != "" {
		parent = task.ParentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_tasks (id, parent_id, service, model, app_number, tools, status,
			progress, retry_count, max_retries, result_summary, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, parent, string(task.Service), task.Model, task.AppNumber, string(toolsJSON),
		string(task.Status), task.Progress, task.RetryCount, task.MaxRetries,
		task.ResultSummary, task.ErrorMessage, task.CreatedAt,
	)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.AnalysisTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM analysis_tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// ListSubtasks returns a main task's subtasks in creation order.
func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]*domain.AnalysisTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM analysis_tasks WHERE parent_id = ? ORDER BY rowid
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.AnalysisTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkTaskStarted transitions a task to running and stamps started_at.
func (s *Store) MarkTaskStarted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_tasks SET status = ?, started_at = ? WHERE id = ?
	`, string(domain.TaskRunning), s.now(), id)
	return err
}

// FinishTask records a task's terminal status together with its summary or
// error message and stamps completed_at. Progress is the task's final
// percentage; subtasks finish at 100 while a partially successful main task
// ends at its rollup percentage.
func (s *Store) FinishTask(ctx context.Context, id string, status domain.TaskStatus, summary, errMsg string, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET status = ?, result_summary = ?, error_message = ?, progress = ?, completed_at = ?
		WHERE id = ?
	`, string(status), summary, errMsg, progress, s.now(), id)
	return err
}

// UpdateTaskProgress sets the rollup status and progress of a main task.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, status domain.TaskStatus, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_tasks SET status = ?, progress = ? WHERE id = ?
	`, string(status), progress, id)
	return err
}

// IncrementRetry bumps a task's retry count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE analysis_tasks SET retry_count = retry_count + 1 WHERE id = ?
	`, id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM analysis_tasks WHERE id = ?`, id).Scan(&count)
	return count, err
}

// ReclaimStuck cancels tasks stuck in running or pending. A task qualifies
// only when it is older than the stage timeout AND older than the grace
// period; the double condition keeps tasks created moments before a process
// restart from being misclassified as stuck. Artifacts are never deleted.
// The statement is idempotent: a second concurrent sweep matches no rows.
func (s *Store) ReclaimStuck(ctx context.Context, now time.Time, runningTimeout, pendingTimeout, grace time.Duration) (int64, error) {
	graceCutoff := now.Add(-grace)
	runningCutoff := now.Add(-runningTimeout)
	pendingCutoff := now.Add(-pendingTimeout)

	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET status = ?, error_message = 'reclaimed by maintenance sweep: exceeded stage timeout', completed_at = ?
		WHERE (status = ? AND started_at IS NOT NULL AND started_at < ? AND started_at < ?)
		   OR (status = ? AND created_at < ? AND created_at < ?)
	`,
		string(domain.TaskCancelled), now,
		string(domain.TaskRunning), runningCutoff, graceCutoff,
		string(domain.TaskPending), pendingCutoff, graceCutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountTasksByStatus returns task counts grouped by status, for the status
// API.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanTask(scan func(dest ...interface{}) error) (*domain.AnalysisTask, error) {
	var task domain.AnalysisTask
	var parentID sql.NullString
	var service, status, toolsJSON string
	var startedAt, completedAt sql.NullTime

	err := scan(&task.ID, &parentID, &service, &task.Model, &task.AppNumber, &toolsJSON,
		&status, &task.Progress, &task.RetryCount, &task.MaxRetries,
		&task.ResultSummary, &task.ErrorMessage, &task.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.ParentID = parentID.String
	task.Service = domain.ServiceType(service)
	task.Status = domain.TaskStatus(status)
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if toolsJSON != "" && toolsJSON != "null" {
		if err := json.Unmarshal([]byte(toolsJSON), &task.Tools); err != nil {
			return nil, err
		}
	}
	return &task, nil
}
