package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"eventrunner/internal/domain"
	"eventrunner/internal/events"
	"eventrunner/internal/queue"
)

type Server struct {
	r        *chi.Mux
	repo     queue.Repository
	registry *events.Registry
}

func NewServer(repo queue.Repository, registry *events.Registry) http.Handler {
	return NewServerWithDebug(repo, registry, false)
}

func NewServerWithDebug(repo queue.Repository, registry *events.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, registry: registry}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/events", s.listEvents)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/result", s.getResult)
	r.Get("/api/tasks/{id}/results", s.listResults)

	if enableDebug {
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

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.CountResults(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	undelivered, err := s.repo.CountUndelivered(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	var b strings.Builder
	b.WriteString("eventrunner_up 1\n")
	for _, rt := range domain.ResultTypes {
		fmt.Fprintf(&b, "eventrunner_results_total{result=%q} %d\n", rt, counts[rt])
	}
	fmt.Fprintf(&b, "eventrunner_results_undelivered %d\n", undelivered)
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type eventResp struct {
	Type               string   `json:"type"`
	Method             string   `json:"method"`
	Statuses           []string `json:"statuses"`
	CollectionEndpoint string   `json:"api_collection_endpoint"`
	ResourceEndpoint   string   `json:"api_resource_endpoint"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	out := []eventResp{}
	for _, t := range s.registry.Types() {
		desc, def, err := s.registry.Lookup(t)
		if err != nil {
			continue
		}
		out = append(out, eventResp{
			Type:               t,
			Method:             desc.Method,
			Statuses:           desc.Statuses,
			CollectionEndpoint: def.CollectionEndpoint,
			ResourceEndpoint:   def.ResourceEndpoint,
		})
	}
	writeJSON(w, 200, out)
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if task.Input.EventType == "" {
		http.Error(w, "input.event_type is required", 400)
		return
	}
	if task.Input.ObjectID == "" {
		http.Error(w, "input.object_id is required", 400)
		return
	}
	switch task.Options.Category {
	case "", domain.CategoryBackground, domain.CategoryInteractive, domain.CategoryScheduled:
	default:
		http.Error(w, "unknown task_category "+task.Options.Category, 400)
		return
	}
	if task.Options.TaskID == "" {
		task.Options.TaskID = "TQ-" + uuid.NewString()
	}
	if task.Input.Timestamp == nil {
		now := time.Now().UTC()
		task.Input.Timestamp = &now
	}

	id, err := s.repo.Enqueue(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

type taskResp struct {
	ID        string             `json:"id"`
	State     string             `json:"state"`
	Attempts  int                `json:"attempts"`
	Options   domain.TaskOptions `json:"options"`
	Input     domain.TaskInput   `json:"input"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

func toTaskResp(rec domain.TaskRecord) taskResp {
	opts := rec.Task.Options
	opts.APIKey = ""
	return taskResp{
		ID:        opts.TaskID,
		State:     rec.State,
		Attempts:  rec.Attempts,
		Options:   opts,
		Input:     rec.Task.Input,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = min(n, 500)
	}
	recs, err := s.repo.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toTaskResp(rec))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toTaskResp(rec))
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.repo.GetResult(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := s.repo.ListResults(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if len(results) == 0 {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, results)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
