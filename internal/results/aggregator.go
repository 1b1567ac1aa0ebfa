// Package results merges per-subtask result snapshots into one consolidated
// analysis record tolerant of missing or failed segments.
package results

import (
	"fmt"
	"sort"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/workerproto"
)

// Consolidated status values.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Snapshot is one subtask's contribution. Failed subtasks have no snapshot;
// they simply do not contribute to the union.
type Snapshot struct {
	Service    domain.ServiceType
	Status     string
	Findings   []workerproto.Finding
	ToolStatus map[string]string // tool name -> success|error|skipped
}

// Consolidated is the merged record stored on the main task. It is always
// well-formed: when every requested service is absent it carries zero
// findings and a failed status rather than being absent itself.
type Consolidated struct {
	Status            string                `json:"status"`
	ServicesExecuted  []string              `json:"servicesExecuted"`
	Findings          []workerproto.Finding `json:"findings"`
	SeverityBreakdown map[string]int        `json:"severityBreakdown"`
	ToolsExecuted     int                   `json:"toolsExecuted"`
}

// Aggregate merges the snapshots of the services that produced results.
// requested is the number of services the task fanned out to; it determines
// whether the merged status is success, partial, or failed.
func Aggregate(snapshots []Snapshot, requested int) Consolidated {
	doc := Consolidated{
		SeverityBreakdown: make(map[string]int),
	}

	for _, snap := range snapshots {
		doc.ServicesExecuted = append(doc.ServicesExecuted, string(snap.Service))
		doc.Findings = append(doc.Findings, snap.Findings...)
		for _, f := range snap.Findings {
			if f.Severity != "" {
				doc.SeverityBreakdown[f.Severity]++
			}
		}
		doc.ToolsExecuted += len(snap.ToolStatus)
	}
	sort.Strings(doc.ServicesExecuted)

	switch {
	case len(snapshots) == 0:
		doc.Status = StatusFailed
	case len(snapshots) < requested:
		doc.Status = StatusPartial
	default:
		doc.Status = StatusSuccess
	}

	return doc
}

// Summary renders a one-line human-readable description of the document,
// suitable for a task's result summary field.
func (c Consolidated) Summary() string {
	return fmt.Sprintf("%d findings across %d services (%d tools executed)",
		len(c.Findings), len(c.ServicesExecuted), c.ToolsExecuted)
}
