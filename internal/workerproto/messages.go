// Package workerproto defines the message types and websocket client for
// talking to analysis worker services. A dispatch is one request/response
// exchange over a fresh connection to ws(s)://<endpoint>/<serviceType>.
package workerproto

// Response status values reported by workers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPartial = "partial"
	StatusTimeout = "timeout"
)

// Request asks a worker to run the named tools against one generated
// application version. Tools are addressed by name; the boundary contract is
// name-based so it stays stable across registry changes.
type Request struct {
	TargetModel     string   `json:"targetModel"`
	TargetAppNumber int      `json:"targetAppNumber"`
	Tools           []string `json:"tools"`
	Template        string   `json:"template,omitempty"` // generation requests only
}

// Finding is one analysis result item. Payload internals beyond severity are
// opaque to the orchestrator.
type Finding struct {
	Tool     string `json:"tool"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// Analysis carries a worker's results.
type Analysis struct {
	Findings          []Finding      `json:"findings"`
	ToolsUsed         []string       `json:"toolsUsed"`
	SeverityBreakdown map[string]int `json:"severityBreakdown"`
}

// Response is a worker's reply to a Request.
type Response struct {
	Status   string   `json:"status"`
	Analysis Analysis `json:"analysis"`
	Error    string   `json:"error,omitempty"`
}

// OK reports whether the response carries usable results.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}
