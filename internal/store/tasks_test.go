package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
)

func newMainTask(model string, appNumber int) *domain.AnalysisTask {
	return &domain.AnalysisTask{
		ID:         uuid.NewString(),
		Model:      model,
		AppNumber:  appNumber,
		Status:     domain.TaskPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func newSubtask(parent *domain.AnalysisTask, service domain.ServiceType, tools []string) *domain.AnalysisTask {
	return &domain.AnalysisTask{
		ID:         uuid.NewString(),
		ParentID:   parent.ID,
		Service:    service,
		Model:      parent.Model,
		AppNumber:  parent.AppNumber,
		Tools:      tools,
		Status:     domain.TaskPending,
		MaxRetries: parent.MaxRetries,
		CreatedAt:  time.Now(),
	}
}

func TestCreateTaskTreeAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	main := newMainTask("claude-x", 1)
	subs := []*domain.AnalysisTask{
		newSubtask(main, domain.ServiceStatic, []string{"bandit", "semgrep"}),
		newSubtask(main, domain.ServiceAIReview, []string{"code-review"}),
	}

	if err := s.CreateTaskTree(ctx, main, subs); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, main.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsMain() {
		t.Error("main task should have no parent")
	}

	children, err := s.ListSubtasks(ctx, main.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(children))
	}
	if children[0].Service != domain.ServiceStatic {
		t.Errorf("first subtask service = %q, want static", children[0].Service)
	}
	if len(children[0].Tools) != 2 {
		t.Errorf("first subtask tools = %v, want 2", children[0].Tools)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newMainTask("claude-x", 1)
	if err := s.CreateTaskTree(ctx, task, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkTaskStarted(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskRunning || got.StartedAt == nil {
		t.Errorf("after start: status = %q, started_at = %v", got.Status, got.StartedAt)
	}

	if err := s.FinishTask(ctx, task.ID, domain.TaskCompleted, "2 findings", "", 100); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskCompleted || got.CompletedAt == nil {
		t.Errorf("after finish: status = %q, completed_at = %v", got.Status, got.CompletedAt)
	}
	if got.ResultSummary != "2 findings" {
		t.Errorf("ResultSummary = %q", got.ResultSummary)
	}
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newMainTask("claude-x", 1)
	if err := s.CreateTaskTree(ctx, task, nil); err != nil {
		t.Fatal(err)
	}

	n, err := s.IncrementRetry(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("retry count = %d, want 1", n)
	}
}

func TestReclaimStuck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// A pending task created five hours ago: reclaimable.
	old := newMainTask("claude-x", 1)
	old.CreatedAt = now.Add(-5 * time.Hour)
	if err := s.CreateTaskTree(ctx, old, nil); err != nil {
		t.Fatal(err)
	}

	// A pending task created 60 seconds ago: inside the grace period, even
	// though it would also be inside the pending timeout anyway.
	fresh := newMainTask("claude-x", 2)
	fresh.CreatedAt = now.Add(-60 * time.Second)
	if err := s.CreateTaskTree(ctx, fresh, nil); err != nil {
		t.Fatal(err)
	}

	// A running task started three hours ago: reclaimable under a 2h
	// running timeout.
	running := newMainTask("claude-x", 3)
	if err := s.CreateTaskTree(ctx, running, nil); err != nil {
		t.Fatal(err)
	}
	startedAt := now.Add(-3 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE analysis_tasks SET status = ?, started_at = ? WHERE id = ?`,
		string(domain.TaskRunning), startedAt, running.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := s.ReclaimStuck(ctx, now, 2*time.Hour, 4*time.Hour, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 2 {
		t.Errorf("reclaimed = %d, want 2", reclaimed)
	}

	got, _ := s.GetTask(ctx, old.ID)
	if got.Status != domain.TaskCancelled {
		t.Errorf("old pending task status = %q, want cancelled", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("reclaimed task should carry a descriptive error")
	}

	got, _ = s.GetTask(ctx, fresh.ID)
	if got.Status != domain.TaskPending {
		t.Errorf("fresh task status = %q, want pending (grace period)", got.Status)
	}

	got, _ = s.GetTask(ctx, running.ID)
	if got.Status != domain.TaskCancelled {
		t.Errorf("stuck running task status = %q, want cancelled", got.Status)
	}

	// Idempotence: a second sweep matches nothing.
	again, err := s.ReclaimStuck(ctx, now, 2*time.Hour, 4*time.Hour, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second sweep reclaimed = %d, want 0", again)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newMainTask("claude-x", 1)
	b := newMainTask("claude-x", 2)
	s.CreateTaskTree(ctx, a, nil)
	s.CreateTaskTree(ctx, b, nil)
	s.FinishTask(ctx, b.ID, domain.TaskFailed, "", "worker unreachable", 100)

	counts, err := s.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.TaskPending] != 1 || counts[domain.TaskFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
