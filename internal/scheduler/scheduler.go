// Package scheduler fans a declarative pipeline definition out into
// bounded-concurrency generation and analysis jobs, tracks in-flight work,
// and advances pipeline status as jobs resolve.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
)

// GenerateFunc asks a generation worker to produce one application for a
// (model, template) pair and returns the allocated slot.
type GenerateFunc func(ctx context.Context, model, template string) (*domain.ApplicationSlot, error)

// AnalyzeFunc runs the analysis stage against one generated application.
type AnalyzeFunc func(ctx context.Context, model string, appNumber int, tools []string) error

// jobKey identifies one job within a run. The in-flight set is keyed by it,
// so a job observed mid-flight across poll ticks is never resubmitted.
type jobKey string

func genKey(model, template string) jobKey {
	return jobKey(fmt.Sprintf("gen/%s/%s", model, template))
}

func analysisKey(model, template string) jobKey {
	return jobKey(fmt.Sprintf("analysis/%s/%s", model, template))
}

type stage int

const (
	stageGeneration stage = iota
	stageAnalysis
)

type genJob struct {
	key      jobKey
	model    string
	template string
}

// analysisJob becomes eligible only after its generation job succeeded.
type analysisJob struct {
	key       jobKey
	model     string
	template  string
	appNumber int
}

// outcome is the resolution of one dispatched job.
type outcome struct {
	key       jobKey
	stage     stage
	model     string
	template  string
	appNumber int
	err       error
}

// runState is the scheduler's bookkeeping for one pipeline run. All fields
// are guarded by mu; counters advance exactly once per job via the resolved
// set, never by re-scanning job lists.
type runState struct {
	mu  sync.Mutex
	run domain.PipelineRun

	pendingGen      []genJob
	pendingAnalysis []analysisJob
	inFlight        map[jobKey]bool
	resolved        map[jobKey]bool

	genSem      *semaphore.Weighted
	analysisSem *semaphore.Weighted

	outcomes  chan outcome
	cancelled bool
	done      chan struct{}
}

// Options configures a Scheduler.
type Options struct {
	Generate                GenerateFunc
	Analyze                 AnalyzeFunc
	MaxConcurrentGeneration int
	MaxConcurrentAnalysis   int
	MaxRetainedRuns         int
	PollInterval            time.Duration
	Logger                  *slog.Logger
	Metrics                 *observability.Metrics
}

// Scheduler owns all PipelineRun records; nothing else mutates them.
// Coordination goroutines live on the scheduler's own context, not the
// submitter's: a run must outlive the HTTP request or watcher event that
// submitted it.
type Scheduler struct {
	generate     GenerateFunc
	analyze      AnalyzeFunc
	maxGen       int64
	maxAnalysis  int64
	maxRetained  int
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.MaxConcurrentGeneration <= 0 {
		opts.MaxConcurrentGeneration = 2
	}
	if opts.MaxConcurrentAnalysis <= 0 {
		opts.MaxConcurrentAnalysis = 2
	}
	if opts.MaxRetainedRuns <= 0 {
		opts.MaxRetainedRuns = 256
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("scheduler")
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		generate:     opts.Generate,
		analyze:      opts.Analyze,
		maxGen:       int64(opts.MaxConcurrentGeneration),
		maxAnalysis:  int64(opts.MaxConcurrentAnalysis),
		maxRetained:  opts.MaxRetainedRuns,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		baseCtx:      ctx,
		stop:         stop,
		runs:         make(map[string]*runState),
	}
}

// Shutdown cancels every coordinator goroutine. In-flight jobs observe the
// cancellation through their context; their runs end cancelled.
func (s *Scheduler) Shutdown() {
	s.stop()
}

// Submit validates a pipeline definition, registers the run, and starts its
// coordinator goroutine. The returned snapshot has status running. The run
// is owned by the scheduler from here on: it keeps going after the
// submitting request returns, until it finishes or Shutdown is called.
func (s *Scheduler) Submit(cfg domain.PipelineConfig) (domain.PipelineRun, error) {
	if len(cfg.Generation.Models) == 0 || len(cfg.Generation.Templates) == 0 {
		return domain.PipelineRun{}, errors.New("pipeline requires at least one model and one template")
	}
	if cfg.Analysis.Enabled && len(cfg.Analysis.Tools) == 0 {
		return domain.PipelineRun{}, errors.New("analysis stage enabled without tools")
	}

	total := cfg.JobCount()
	now := time.Now()
	st := &runState{
		run: domain.PipelineRun{
			ID:         uuid.NewString(),
			Config:     cfg,
			Status:     domain.PipelinePending,
			Generation: domain.StageProgress{Total: total},
			CreatedAt:  now,
		},
		inFlight: make(map[jobKey]bool),
		resolved: make(map[jobKey]bool),
		outcomes: make(chan outcome, 2*total),
		done:     make(chan struct{}),
	}
	if cfg.Analysis.Enabled {
		st.run.Analysis = domain.StageProgress{Total: total}
	}

	maxGen := s.maxGen
	if n := cfg.Generation.Options.MaxConcurrentTasks; n > 0 {
		maxGen = int64(n)
	}
	maxAnalysis := s.maxAnalysis
	if n := cfg.Analysis.Options.MaxConcurrentTasks; n > 0 {
		maxAnalysis = int64(n)
	}
	st.genSem = semaphore.NewWeighted(maxGen)
	st.analysisSem = semaphore.NewWeighted(maxAnalysis)

	for _, model := range cfg.Generation.Models {
		for _, template := range cfg.Generation.Templates {
			st.pendingGen = append(st.pendingGen, genJob{
				key:      genKey(model, template),
				model:    model,
				template: template,
			})
		}
	}

	st.run.Status = domain.PipelineRunning
	started := now
	st.run.StartedAt = &started

	s.mu.Lock()
	s.runs[st.run.ID] = st
	s.pruneLocked()
	s.mu.Unlock()

	go s.coordinate(s.baseCtx, st)

	s.logger.Info("pipeline submitted",
		"run_id", st.run.ID, "generation_jobs", total, "analysis", cfg.Analysis.Enabled)
	return st.snapshot(), nil
}

// pruneLocked evicts the oldest-finished terminal runs once the retention
// cap is exceeded. Active runs are never evicted. The caller holds s.mu.
func (s *Scheduler) pruneLocked() {
	if len(s.runs) <= s.maxRetained {
		return
	}

	type finished struct {
		id string
		at time.Time
	}
	var terminal []finished
	for id, st := range s.runs {
		st.mu.Lock()
		if st.run.Status.Terminal() && st.run.FinishedAt != nil {
			terminal = append(terminal, finished{id: id, at: *st.run.FinishedAt})
		}
		st.mu.Unlock()
	}

	excess := len(s.runs) - s.maxRetained
	for i := 0; i < excess && len(terminal) > 0; i++ {
		oldest := 0
		for j := range terminal {
			if terminal[j].at.Before(terminal[oldest].at) {
				oldest = j
			}
		}
		delete(s.runs, terminal[oldest].id)
		terminal = append(terminal[:oldest], terminal[oldest+1:]...)
	}
}

// Get returns a snapshot of one run.
func (s *Scheduler) Get(runID string) (domain.PipelineRun, bool) {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return domain.PipelineRun{}, false
	}
	return st.snapshot(), true
}

// List returns snapshots of every known run.
func (s *Scheduler) List() []domain.PipelineRun {
	s.mu.Lock()
	states := make([]*runState, 0, len(s.runs))
	for _, st := range s.runs {
		states = append(states, st)
	}
	s.mu.Unlock()

	runs := make([]domain.PipelineRun, 0, len(states))
	for _, st := range states {
		runs = append(runs, st.snapshot())
	}
	return runs
}

// Cancel marks a run cancelled. New submissions stop immediately; jobs
// already dispatched finish, but their results no longer advance the
// completed counters.
func (s *Scheduler) Cancel(runID string) bool {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.Terminal() {
		return false
	}
	st.cancelled = true
	st.run.Status = domain.PipelineCancelled
	return true
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (s *Scheduler) Wait(ctx context.Context, runID string) (domain.PipelineRun, error) {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return domain.PipelineRun{}, fmt.Errorf("unknown run %s", runID)
	}

	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

func (st *runState) snapshot() domain.PipelineRun {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run
}

// coordinate is the per-run polling loop: the only place that blocks, for
// at most the poll interval, waiting for outcomes.
func (s *Scheduler) coordinate(ctx context.Context, st *runState) {
	defer close(st.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.submitPending(ctx, st)

	for {
		st.mu.Lock()
		finished := s.advance(st)
		st.mu.Unlock()
		if finished {
			return
		}

		select {
		case out := <-st.outcomes:
			s.handleOutcome(ctx, st, out)
		case <-ticker.C:
			s.submitPending(ctx, st)
		case <-ctx.Done():
			st.mu.Lock()
			st.cancelled = true
			if !st.run.Status.Terminal() {
				st.run.Status = domain.PipelineCancelled
			}
			now := time.Now()
			st.run.FinishedAt = &now
			st.mu.Unlock()
			return
		}
	}
}

// submitPending dispatches every pending job that fits under its stage's
// concurrency bound. Jobs in the in-flight or resolved sets are skipped, so
// observing the same pending list across two poll ticks never produces a
// duplicate submission.
func (s *Scheduler) submitPending(ctx context.Context, st *runState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cancelled {
		return
	}

	var remainingGen []genJob
	for _, job := range st.pendingGen {
		if st.inFlight[job.key] || st.resolved[job.key] {
			continue
		}
		if !st.genSem.TryAcquire(1) {
			remainingGen = append(remainingGen, job)
			continue
		}
		st.inFlight[job.key] = true
		st.run.Generation.InFlight++
		go s.runGeneration(ctx, st, job)
	}
	st.pendingGen = remainingGen

	var remainingAnalysis []analysisJob
	for _, job := range st.pendingAnalysis {
		if st.inFlight[job.key] || st.resolved[job.key] {
			continue
		}
		if !st.analysisSem.TryAcquire(1) {
			remainingAnalysis = append(remainingAnalysis, job)
			continue
		}
		st.inFlight[job.key] = true
		st.run.Analysis.InFlight++
		go s.runAnalysis(ctx, st, job)
	}
	st.pendingAnalysis = remainingAnalysis
}

func (s *Scheduler) runGeneration(ctx context.Context, st *runState, job genJob) {
	defer st.genSem.Release(1)

	slot, err := s.generate(ctx, job.model, job.template)
	out := outcome{key: job.key, stage: stageGeneration, model: job.model, template: job.template, err: err}
	if err == nil && slot != nil {
		out.appNumber = slot.AppNumber
	}
	st.outcomes <- out
}

func (s *Scheduler) runAnalysis(ctx context.Context, st *runState, job analysisJob) {
	defer st.analysisSem.Release(1)

	err := s.analyze(ctx, job.model, job.appNumber, st.analysisTools())
	st.outcomes <- outcome{key: job.key, stage: stageAnalysis, model: job.model, template: job.template, err: err}
}

func (st *runState) analysisTools() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run.Config.Analysis.Tools
}

// handleOutcome advances the counters for one resolved job, exactly once,
// and queues the follow-up analysis job when a generation succeeded.
func (s *Scheduler) handleOutcome(ctx context.Context, st *runState, out outcome) {
	st.mu.Lock()

	if st.resolved[out.key] {
		st.mu.Unlock()
		return
	}
	st.resolved[out.key] = true
	delete(st.inFlight, out.key)

	progress := &st.run.Generation
	stageName := "generation"
	if out.stage == stageAnalysis {
		progress = &st.run.Analysis
		stageName = "analysis"
	}
	progress.InFlight--

	if st.cancelled {
		// The run is already terminal; record the resolution without
		// advancing completion counters.
		st.mu.Unlock()
		return
	}

	if out.err != nil {
		progress.Failed++
		s.metrics.IncJob(stageName, "failed")
		s.logger.Warn("job failed",
			"run_id", st.run.ID, "job", string(out.key), "error", out.err.Error())

		// A failed generation makes its analysis job permanently
		// ineligible; record it as failed so the stage can close out.
		if out.stage == stageGeneration && st.run.Config.Analysis.Enabled {
			akey := analysisKey(out.model, out.template)
			if !st.resolved[akey] {
				st.resolved[akey] = true
				st.run.Analysis.Failed++
			}
		}
	} else {
		progress.Completed++
		s.metrics.IncJob(stageName, "completed")

		if out.stage == stageGeneration && st.run.Config.Analysis.Enabled {
			st.pendingAnalysis = append(st.pendingAnalysis, analysisJob{
				key:       analysisKey(out.model, out.template),
				model:     out.model,
				template:  out.template,
				appNumber: out.appNumber,
			})
		}
	}
	st.mu.Unlock()

	s.submitPending(ctx, st)
}

// advance transitions the run to its terminal status once both stages are
// done. The caller holds st.mu.
func (s *Scheduler) advance(st *runState) bool {
	if st.cancelled {
		if st.run.Generation.InFlight == 0 && st.run.Analysis.InFlight == 0 {
			if st.run.FinishedAt == nil {
				now := time.Now()
				st.run.FinishedAt = &now
			}
			return true
		}
		return false
	}

	genDone := st.run.Generation.Done()
	analysisDone := !st.run.Config.Analysis.Enabled || st.run.Analysis.Done()
	if !genDone || !analysisDone {
		return false
	}

	succeeded := st.run.Generation.Completed + st.run.Analysis.Completed
	failed := st.run.Generation.Failed + st.run.Analysis.Failed

	switch {
	case failed == 0:
		st.run.Status = domain.PipelineCompleted
	case succeeded == 0:
		st.run.Status = domain.PipelineFailed
	default:
		st.run.Status = domain.PipelinePartialSuccess
	}
	now := time.Now()
	st.run.FinishedAt = &now

	s.logger.Info("pipeline finished",
		"run_id", st.run.ID, "status", st.run.Status,
		"generation_completed", st.run.Generation.Completed,
		"generation_failed", st.run.Generation.Failed,
		"analysis_completed", st.run.Analysis.Completed,
		"analysis_failed", st.run.Analysis.Failed)
	return true
}
