package domain

import "time"

// StageOptions configures one stage of a pipeline definition.
type StageOptions struct {
	Parallel           bool `json:"parallel"`
	MaxConcurrentTasks int  `json:"maxConcurrentTasks"`
}

// GenerationSpec declares the generation stage: every model is asked to
// generate one application per template.
type GenerationSpec struct {
	Models    []string     `json:"models"`
	Templates []string     `json:"templates"`
	Options   StageOptions `json:"options"`
}

// AnalysisSpec declares the optional analysis stage run against each
// successfully generated application.
type AnalysisSpec struct {
	Enabled bool         `json:"enabled"`
	Tools   []string     `json:"tools"`
	Options StageOptions `json:"options"`
}

// PipelineConfig is the declarative pipeline definition consumed from an
// external caller (CLI, watch directory, or HTTP submission).
type PipelineConfig struct {
	Generation GenerationSpec `json:"generation"`
	Analysis   AnalysisSpec   `json:"analysis"`
}

// JobCount returns the number of generation jobs the definition fans out to.
func (c PipelineConfig) JobCount() int {
	return len(c.Generation.Models) * len(c.Generation.Templates)
}

// StageProgress tracks per-stage counters for a pipeline run.
type StageProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	InFlight  int `json:"inFlight"`
}

// Done reports whether every job in the stage has resolved.
func (p StageProgress) Done() bool {
	return p.InFlight == 0 && p.Completed+p.Failed >= p.Total
}

// PipelineRun is one orchestration request. It is owned exclusively by the
// scheduler; only the scheduler's progress-update path mutates it.
type PipelineRun struct {
	ID         string         `json:"id"`
	Config     PipelineConfig `json:"config"`
	Status     PipelineStatus `json:"status"`
	Generation StageProgress  `json:"generation"`
	Analysis   StageProgress  `json:"analysis"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}
