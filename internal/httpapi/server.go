// Package httpapi exposes the orchestrator's status and submission surface
// over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/endpointpool"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
	"github.com/modelfoundry/analysis-orchestrator/internal/scheduler"
	"github.com/modelfoundry/analysis-orchestrator/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store     *store.Store
	pool      *endpointpool.Pool
	scheduler *scheduler.Scheduler
	addr      string
	mux       *http.ServeMux
	logger    *slog.Logger
}

// NewServer wires the API routes.
func NewServer(st *store.Store, pool *endpointpool.Pool, sched *scheduler.Scheduler, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = observability.NewLogger("httpapi")
	}
	s := &Server{
		store:     st,
		pool:      pool,
		scheduler: sched,
		addr:      addr,
		mux:       http.NewServeMux(),
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/pipelines", s.pipelinesHandler())
	s.mux.HandleFunc("/api/pipelines/", s.pipelineHandler())
	s.mux.HandleFunc("/api/endpoints", s.endpointsHandler())
	s.mux.Handle("/metrics", observability.MetricsHandler())
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server; it blocks.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// StatusResponse is the API response for overall orchestrator status.
type StatusResponse struct {
	Pipelines PipelineCounts                               `json:"pipelines"`
	Tasks     map[domain.TaskStatus]int                    `json:"tasks"`
	Endpoints map[domain.ServiceType][]endpointpool.Status `json:"endpoints"`
}

// PipelineCounts breaks known pipeline runs down by status.
type PipelineCounts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Partial   int `json:"partialSuccess"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.CountTasksByStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var counts PipelineCounts
		for _, run := range s.scheduler.List() {
			counts.Total++
			switch run.Status {
			case domain.PipelineRunning, domain.PipelinePending:
				counts.Running++
			case domain.PipelineCompleted:
				counts.Completed++
			case domain.PipelinePartialSuccess:
				counts.Partial++
			case domain.PipelineFailed:
				counts.Failed++
			case domain.PipelineCancelled:
				counts.Cancelled++
			}
		}

		writeJSON(w, StatusResponse{
			Pipelines: counts,
			Tasks:     tasks,
			Endpoints: s.pool.Snapshot(),
		})
	}
}

func (s *Server) pipelinesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.scheduler.List())
		case http.MethodPost:
			var cfg domain.PipelineConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				writeError(w, http.StatusBadRequest, "invalid pipeline definition: "+err.Error())
				return
			}
			run, err := s.scheduler.Submit(cfg)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(run)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) pipelineHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/api/pipelines/"):]
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		// POST /api/pipelines/{id}/cancel
		if r.Method == http.MethodPost {
			const suffix = "/cancel"
			if len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix {
				runID := path[:len(path)-len(suffix)]
				if !s.scheduler.Cancel(runID) {
					writeError(w, http.StatusNotFound, "run not found or already finished")
					return
				}
				writeJSON(w, map[string]string{"status": "cancelled"})
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		run, ok := s.scheduler.Get(path)
		if !ok {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, run)
	}
}

func (s *Server) endpointsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.pool.Snapshot())
	}
}
