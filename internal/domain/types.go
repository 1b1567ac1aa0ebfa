package domain

// ServiceType identifies a category of worker service. The set is closed;
// dispatch and tool routing switch over these values rather than matching
// free-form strings.
type ServiceType string

const (
	ServiceGenerator   ServiceType = "generator"
	ServiceStatic      ServiceType = "static"
	ServiceDynamic     ServiceType = "dynamic"
	ServicePerformance ServiceType = "performance"
	ServiceAIReview    ServiceType = "ai-review"
)

// AnalysisServices lists the worker services that execute analysis subtasks,
// in stable order. The generator service is excluded: it serves the
// generation stage only.
var AnalysisServices = []ServiceType{
	ServiceStatic,
	ServiceDynamic,
	ServicePerformance,
	ServiceAIReview,
}

// Valid reports whether s names a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceGenerator, ServiceStatic, ServiceDynamic, ServicePerformance, ServiceAIReview:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of an analysis task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskCompleted      TaskStatus = "completed"
	TaskPartialSuccess TaskStatus = "partial_success"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskPartialSuccess, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// PipelineStatus represents the lifecycle state of a pipeline run. It shares
// the task value set so the reporting layer renders both uniformly.
type PipelineStatus string

const (
	PipelinePending        PipelineStatus = "pending"
	PipelineRunning        PipelineStatus = "running"
	PipelineCompleted      PipelineStatus = "completed"
	PipelinePartialSuccess PipelineStatus = "partial_success"
	PipelineFailed         PipelineStatus = "failed"
	PipelineCancelled      PipelineStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineCompleted, PipelinePartialSuccess, PipelineFailed, PipelineCancelled:
		return true
	}
	return false
}
