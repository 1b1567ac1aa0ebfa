package domain

// toolServices maps analysis tool names to the worker service that owns
// them. Workers are addressed by tool name, never by numeric registry IDs,
// so the mapping stays stable across registry changes.
var toolServices = map[string]ServiceType{
	"bandit":       ServiceStatic,
	"semgrep":      ServiceStatic,
	"eslint":       ServiceStatic,
	"safety":       ServiceStatic,
	"zap-baseline": ServiceDynamic,
	"nikto":        ServiceDynamic,
	"curl-probe":   ServiceDynamic,
	"locust":       ServicePerformance,
	"lighthouse":   ServicePerformance,
	"code-review":  ServiceAIReview,
	"requirements": ServiceAIReview,
}

// ToolService returns the service type that owns the named tool.
func ToolService(tool string) (ServiceType, bool) {
	svc, ok := toolServices[tool]
	return svc, ok
}

// PartitionTools groups tool names by owning service. Unknown tool names are
// returned separately so callers can surface them instead of silently
// dropping work.
func PartitionTools(tools []string) (map[ServiceType][]string, []string) {
	parts := make(map[ServiceType][]string)
	var unknown []string
	for _, tool := range tools {
		svc, ok := toolServices[tool]
		if !ok {
			unknown = append(unknown, tool)
			continue
		}
		parts[svc] = append(parts[svc], tool)
	}
	return parts, unknown
}
