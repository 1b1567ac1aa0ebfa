// Package orchestrator turns one "analyze application X" request into a main
// task with one subtask per worker service, dispatches the subtasks through
// the endpoint pool, and aggregates results and partial failures back into
// the main task.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/endpointpool"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
	"github.com/modelfoundry/analysis-orchestrator/internal/results"
	"github.com/modelfoundry/analysis-orchestrator/internal/store"
	"github.com/modelfoundry/analysis-orchestrator/internal/workerproto"
)

// DispatchFunc sends one request to a worker endpoint. It is the seam
// between the orchestrator and the websocket client, injected for tests.
type DispatchFunc func(ctx context.Context, baseURL, service string, req *workerproto.Request) (*workerproto.Response, error)

// Options configures an Orchestrator.
type Options struct {
	Store      *store.Store
	Pool       *endpointpool.Pool
	Dispatch   DispatchFunc
	MaxRetries int
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Orchestrator coordinates main tasks and their per-service subtasks.
type Orchestrator struct {
	store      *store.Store
	pool       *endpointpool.Pool
	dispatch   DispatchFunc
	maxRetries int
	logger     *slog.Logger
	metrics    *observability.Metrics

	// serializes rollup recomputation per main task
	rollupMu sync.Mutex
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("orchestrator")
	}
	return &Orchestrator{
		store:      opts.Store,
		pool:       opts.Pool,
		dispatch:   opts.Dispatch,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// CreateTask partitions the tool selection by owning service and persists a
// main task plus one subtask per non-empty partition. When exactly one
// service is touched the main task carries the tools directly and no
// subtasks are created; that is an optimization, not a different contract.
func (o *Orchestrator) CreateTask(ctx context.Context, model string, appNumber int, tools []string) (*domain.AnalysisTask, []*domain.AnalysisTask, error) {
	parts, unknown := domain.PartitionTools(tools)
	if len(unknown) > 0 {
		return nil, nil, fmt.Errorf("unknown tools: %s", strings.Join(unknown, ", "))
	}
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("no tools selected")
	}

	now := time.Now()
	main := &domain.AnalysisTask{
		ID:         uuid.NewString(),
		Model:      model,
		AppNumber:  appNumber,
		Tools:      tools,
		Status:     domain.TaskPending,
		MaxRetries: o.maxRetries,
		CreatedAt:  now,
	}

	var subtasks []*domain.AnalysisTask
	if len(parts) == 1 {
		for svc := range parts {
			main.Service = svc
		}
	} else {
		// Stable order keeps subtask creation deterministic.
		for _, svc := range domain.AnalysisServices {
			svcTools, ok := parts[svc]
			if !ok {
				continue
			}
			subtasks = append(subtasks, &domain.AnalysisTask{
				ID:         uuid.NewString(),
				ParentID:   main.ID,
				Service:    svc,
				Model:      model,
				AppNumber:  appNumber,
				Tools:      svcTools,
				Status:     domain.TaskPending,
				MaxRetries: o.maxRetries,
				CreatedAt:  now,
			})
		}
	}

	if err := o.store.CreateTaskTree(ctx, main, subtasks); err != nil {
		return nil, nil, fmt.Errorf("persist task tree: %w", err)
	}
	return main, subtasks, nil
}

// Execute dispatches the unfinished subtasks of the main task (or the main
// task itself when it has none) and returns the consolidated document. Subtask
// failures surface in the aggregate, never as an error from Execute; the
// returned error is reserved for persistence problems.
func (o *Orchestrator) Execute(ctx context.Context, main *domain.AnalysisTask) (*results.Consolidated, error) {
	if err := o.store.MarkTaskStarted(ctx, main.ID); err != nil {
		return nil, err
	}

	subtasks, err := o.store.ListSubtasks(ctx, main.ID)
	if err != nil {
		return nil, err
	}

	// Degraded single-service form: the main task is its own unit of work.
	if len(subtasks) == 0 {
		snap, runErr := o.runUnit(ctx, main)
		var snaps []results.Snapshot
		if snap != nil {
			snaps = append(snaps, *snap)
		}
		doc := results.Aggregate(snaps, 1)

		status := domain.TaskCompleted
		var errMsg string
		if runErr != nil {
			status = domain.TaskFailed
			errMsg = runErr.Error()
		}
		if err := o.store.FinishTask(ctx, main.ID, status, doc.Summary(), errMsg, 100); err != nil {
			return nil, err
		}
		return &doc, nil
	}

	snapshots := make([]results.Snapshot, 0, len(subtasks))
	var snapMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	dispatched := 0
	for _, sub := range subtasks {
		// Completed subtasks keep their result; on a retry only the
		// remaining ones go back to the workers.
		if sub.Status == domain.TaskCompleted {
			continue
		}
		dispatched++
		sub := sub
		g.Go(func() error {
			snap, runErr := o.runSubtask(gctx, sub)
			if runErr == nil && snap != nil {
				snapMu.Lock()
				snapshots = append(snapshots, *snap)
				snapMu.Unlock()
			}
			// Status rollup runs whenever a subtask terminates.
			return o.rollup(gctx, main.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc := results.Aggregate(snapshots, dispatched)

	final, err := o.store.ListSubtasks(ctx, main.ID)
	if err != nil {
		return nil, err
	}
	statuses := make([]domain.TaskStatus, 0, len(final))
	var failures []string
	for _, sub := range final {
		statuses = append(statuses, sub.Status)
		if sub.Status != domain.TaskCompleted && sub.ErrorMessage != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", sub.Service, sub.ErrorMessage))
		}
	}

	status := domain.RollupStatus(statuses)
	progress := domain.RollupProgress(statuses)
	if err := o.store.FinishTask(ctx, main.ID, status, doc.Summary(), strings.Join(failures, "; "), progress); err != nil {
		return nil, err
	}

	o.logger.Info("task finished",
		"task_id", main.ID, "status", status, "findings", len(doc.Findings))
	return &doc, nil
}

// runSubtask executes one subtask and records its terminal state.
func (o *Orchestrator) runSubtask(ctx context.Context, sub *domain.AnalysisTask) (*results.Snapshot, error) {
	if err := o.store.MarkTaskStarted(ctx, sub.ID); err != nil {
		return nil, err
	}
	snap, runErr := o.runUnit(ctx, sub)

	status := domain.TaskCompleted
	var errMsg string
	if runErr != nil {
		status = domain.TaskFailed
		errMsg = runErr.Error()
	}
	if err := o.store.FinishTask(ctx, sub.ID, status, "", errMsg, 100); err != nil {
		return nil, err
	}
	return snap, runErr
}

// runUnit performs the remote dispatch for one unit of work (a subtask, or
// a degraded main task). Capacity exhaustion and remote failures come back
// as errors for the caller to record; the returned snapshot is non-nil only
// on a usable worker response.
func (o *Orchestrator) runUnit(ctx context.Context, task *domain.AnalysisTask) (*results.Snapshot, error) {
	ep := o.pool.Select(ctx, task.Service)
	if ep == nil {
		// Temporarily no capacity. The task is not retried automatically;
		// retry is a caller decision bounded by the retry budget.
		o.metrics.IncDispatch(string(task.Service), "no_capacity")
		return nil, fmt.Errorf("no healthy %s worker available", task.Service)
	}

	req := &workerproto.Request{
		TargetModel:     task.Model,
		TargetAppNumber: task.AppNumber,
		Tools:           task.Tools,
	}

	start := time.Now()
	resp, err := o.dispatch(ctx, ep.URL, string(task.Service), req)
	if err != nil {
		// Transport error or timeout: the endpoint itself misbehaved.
		o.pool.ReportFailure(ep)
		o.metrics.IncDispatch(string(task.Service), "transport_error")
		return nil, fmt.Errorf("%s worker unreachable: %v", task.Service, err)
	}
	o.pool.ReportSuccess(ep, time.Since(start))

	if !resp.OK() {
		// The worker answered but could not run the tools; the endpoint
		// stays healthy.
		o.metrics.IncDispatch(string(task.Service), "worker_error")
		msg := resp.Error
		if msg == "" {
			msg = "worker reported " + resp.Status
		}
		return nil, fmt.Errorf("%s worker failed: %s", task.Service, msg)
	}

	o.metrics.IncDispatch(string(task.Service), "success")

	toolStatus := make(map[string]string, len(resp.Analysis.ToolsUsed))
	for _, tool := range resp.Analysis.ToolsUsed {
		toolStatus[tool] = "success"
	}
	return &results.Snapshot{
		Service:    task.Service,
		Status:     resp.Status,
		Findings:   resp.Analysis.Findings,
		ToolStatus: toolStatus,
	}, nil
}

// rollup recomputes a main task's status and progress from its subtasks.
func (o *Orchestrator) rollup(ctx context.Context, mainID string) error {
	o.rollupMu.Lock()
	defer o.rollupMu.Unlock()

	subtasks, err := o.store.ListSubtasks(ctx, mainID)
	if err != nil {
		return err
	}
	statuses := make([]domain.TaskStatus, 0, len(subtasks))
	for _, sub := range subtasks {
		statuses = append(statuses, sub.Status)
	}
	return o.store.UpdateTaskProgress(ctx, mainID, domain.RollupStatus(statuses), domain.RollupProgress(statuses))
}

// Retry re-dispatches the failed subtasks of a main task, consuming one unit
// of retry budget. It returns store.ErrTaskNotFound for unknown tasks and an
// error when the budget is exhausted.
func (o *Orchestrator) Retry(ctx context.Context, mainID string) (*results.Consolidated, error) {
	main, err := o.store.GetTask(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if !main.CanRetry() {
		return nil, fmt.Errorf("task %s: retry budget exhausted (%d/%d)", mainID, main.RetryCount, main.MaxRetries)
	}
	if _, err := o.store.IncrementRetry(ctx, mainID); err != nil {
		return nil, err
	}
	return o.Execute(ctx, main)
}
