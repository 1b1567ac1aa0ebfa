package results

import (
	"testing"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/workerproto"
)

func TestAggregate(t *testing.T) {
	snapshots := []Snapshot{
		{
			Service: domain.ServiceStatic,
			Status:  StatusSuccess,
			Findings: []workerproto.Finding{
				{Tool: "bandit", Severity: "high", Title: "hardcoded secret"},
				{Tool: "semgrep", Severity: "medium", Title: "sql injection"},
			},
			ToolStatus: map[string]string{"bandit": "success", "semgrep": "success"},
		},
		{
			Service: domain.ServiceAIReview,
			Status:  StatusSuccess,
			Findings: []workerproto.Finding{
				{Tool: "code-review", Severity: "medium", Title: "missing error handling"},
			},
			ToolStatus: map[string]string{"code-review": "success"},
		},
	}

	doc := Aggregate(snapshots, 2)

	if doc.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", doc.Status)
	}
	if len(doc.Findings) != 3 {
		t.Errorf("Findings = %d, want 3", len(doc.Findings))
	}
	if doc.SeverityBreakdown["medium"] != 2 || doc.SeverityBreakdown["high"] != 1 {
		t.Errorf("SeverityBreakdown = %v", doc.SeverityBreakdown)
	}
	if doc.ToolsExecuted != 3 {
		t.Errorf("ToolsExecuted = %d, want 3", doc.ToolsExecuted)
	}
	if len(doc.ServicesExecuted) != 2 {
		t.Errorf("ServicesExecuted = %v", doc.ServicesExecuted)
	}
}

func TestAggregatePartial(t *testing.T) {
	snapshots := []Snapshot{
		{
			Service:    domain.ServiceStatic,
			Status:     StatusSuccess,
			ToolStatus: map[string]string{"bandit": "success"},
		},
	}

	// Two services were requested; only one produced a snapshot.
	doc := Aggregate(snapshots, 2)

	if doc.Status != StatusPartial {
		t.Errorf("Status = %q, want partial", doc.Status)
	}
	if len(doc.ServicesExecuted) != 1 {
		t.Errorf("ServicesExecuted = %v, want 1", doc.ServicesExecuted)
	}
}

func TestAggregateAllAbsent(t *testing.T) {
	doc := Aggregate(nil, 3)

	if doc.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", doc.Status)
	}
	if doc.Findings != nil && len(doc.Findings) != 0 {
		t.Errorf("Findings = %v, want empty", doc.Findings)
	}
	if doc.SeverityBreakdown == nil {
		t.Error("SeverityBreakdown must be a valid empty map, not nil")
	}
	if doc.ToolsExecuted != 0 {
		t.Errorf("ToolsExecuted = %d, want 0", doc.ToolsExecuted)
	}
}

func TestSummary(t *testing.T) {
	doc := Aggregate([]Snapshot{
		{
			Service:    domain.ServiceStatic,
			Findings:   []workerproto.Finding{{Tool: "bandit", Severity: "low", Title: "x"}},
			ToolStatus: map[string]string{"bandit": "success"},
		},
	}, 1)

	want := "1 findings across 1 services (1 tools executed)"
	if got := doc.Summary(); got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
