package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agentflow/internal/approval"
	"agentflow/internal/domain"
	"agentflow/internal/scheduler"
	"agentflow/internal/store"
)

// Deps are the components the HTTP API fronts.
type Deps struct {
	Store       store.Store
	Coordinator *scheduler.Coordinator
	Agents      map[string]*scheduler.Agent
	Gate        *approval.Gate
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Debug    bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Gate == nil {
		d.Gate = approval.NewGate(d.Store)
	}
	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents/{agentID}/tasks", s.createTask)
		r.Get("/agents/{agentID}/tasks", s.listTasks)
		r.Put("/agents/{agentID}/enabled", s.setEnabled)

		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Post("/tasks/{id}/execute", s.executeTask)
		r.Post("/tasks/{id}/approval", s.decideApproval)

		r.Get("/approvals", s.listApprovals)

		r.Get("/scheduler/stats", s.stats)
		r.Post("/scheduler/cycle", s.forceCycle)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) agent(id string) (*scheduler.Agent, error) {
	a, ok := s.Agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// taskAgent resolves the agent that owns task id.
func (s *Server) taskAgent(r *http.Request, id string) (*scheduler.Agent, error) {
	task, err := s.Store.GetTask(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return s.agent(task.AgentID)
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	a, err := s.agent(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var spec domain.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.CreateTask(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{AgentID: chi.URLParam(r, "agentID")}
	if v := r.URL.Query().Get("status"); v != "" {
		opts.Status = domain.Status(v)
		if !opts.Status.Valid() {
			http.Error(w, "unknown status "+v, http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	tasks, err := s.Store.ListTasks(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.taskAgent(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeResp struct {
	Executed bool `json:"executed"`
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.taskAgent(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := a.TriggerTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResp{Executed: ok})
}

type decisionReq struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Gate.Decide(r.Context(), id, req.Approved, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Gate.PendingApprovals(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Coordinator.Stats())
}

type cycleResp struct {
	Executed int `json:"executed"`
}

func (s *Server) forceCycle(w http.ResponseWriter, r *http.Request) {
	n, err := s.Coordinator.ForceExecutionCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleResp{Executed: n})
}

type enabledReq struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coordinator.SetEnabled(chi.URLParam(r, "agentID"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Coordinator.Stats())
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyDecided),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCoordinatorNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := errorResp{Error: err.Error()}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
