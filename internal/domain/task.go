package domain

import "time"

// AnalysisTask is one unit of analysis work. A main task owns zero or more
// subtasks, one per worker service touched by the requested tool set.
// Subtasks are created once, at main-task creation time, and never
// re-parented.
type AnalysisTask struct {
	ID            string
	ParentID      string // empty for main tasks
	Service       ServiceType
	Model         string
	AppNumber     int
	Tools         []string
	Status        TaskStatus
	Progress      float64 // 0..100
	RetryCount    int
	MaxRetries    int
	ResultSummary string
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// IsMain reports whether the task is a main task.
func (t *AnalysisTask) IsMain() bool {
	return t.ParentID == ""
}

// CanRetry reports whether the task has retry budget left.
func (t *AnalysisTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// RollupStatus derives a main task's status from its subtasks. While any
// subtask is still pending or running the main task stays running. Once all
// subtasks are terminal: every one completed means completed, none completed
// means failed, and any mix yields partial_success. Cancelled subtasks count
// as failures for the rollup.
func RollupStatus(subtasks []TaskStatus) TaskStatus {
	if len(subtasks) == 0 {
		return TaskPending
	}

	completed := 0
	for _, s := range subtasks {
		if !s.Terminal() {
			return TaskRunning
		}
		if s == TaskCompleted {
			completed++
		}
	}

	switch completed {
	case len(subtasks):
		return TaskCompleted
	case 0:
		return TaskFailed
	default:
		return TaskPartialSuccess
	}
}

// RollupProgress returns the percentage of subtasks that have completed.
func RollupProgress(subtasks []TaskStatus) float64 {
	if len(subtasks) == 0 {
		return 0
	}
	completed := 0
	for _, s := range subtasks {
		if s == TaskCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(subtasks)) * 100
}
