// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/gridclaw/internal/state"
	"github.com/user/gridclaw/internal/types"
)

// SubmitFunc queues a post for the orchestrator.
type SubmitFunc func(post *types.Post) error

// StatusFunc reports service state for /health.
type StatusFunc func() map[string]any

type RecordStore interface {
	Get(ctx context.Context, id types.JobID) (*types.JobRecord, error)
	List(ctx context.Context, postID types.PostID) ([]*types.JobRecord, error)
}

type ArtifactStore interface {
	Get(ctx context.Context, ref types.ArtifactRef) ([]byte, error)
	GetMeta(ctx context.Context, ref types.ArtifactRef) (*types.ArtifactMeta, error)
}

// Deps are the stores the API reads. Nil stores disable their endpoints.
type Deps struct {
	Tasks     *state.TaskStore
	Records   RecordStore
	Events    types.JobEventLog
	Artifacts ArtifactStore
	Status    StatusFunc
}

// Server is a lightweight HTTP handler for job submission and inspection.
type Server struct {
	submit SubmitFunc
	deps   Deps
	mux    *http.ServeMux
}

func NewServer(submit SubmitFunc, deps Deps) *Server {
	s := &Server{
		submit: submit,
		deps:   deps,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("POST /tasks/{name}", s.handleNamedTask)
	s.mux.HandleFunc("GET /api/records", s.handleRecords)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	s.mux.HandleFunc("GET /api/artifacts/{ref}", s.handleArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitRequest is the JSON body for POST /jobs.
type submitRequest struct {
	Prompt     string            `json:"prompt"`
	ChannelID  string            `json:"channel_id"`
	Options    types.Options     `json:"options"`
	Variations []types.Variation `json:"variations"`
	Notify     string            `json:"notify"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	post := &types.Post{
		ID:         types.NewPostID(),
		ChannelID:  req.ChannelID,
		Prompt:     req.Prompt,
		Options:    req.Options,
		Variations: req.Variations,
		Notify:     req.Notify,
	}
	s.enqueue(w, post)
}

// namedTaskRequest is the optional JSON body for POST /tasks/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	name := r.PathValue("name")
	task, err := s.deps.Tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	post := task.Post()
	// Allow body to override the prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		post.Prompt = body.Prompt
	}
	s.enqueue(w, post)
}

func (s *Server) enqueue(w http.ResponseWriter, post *types.Post) {
	if err := s.submit(post); err != nil {
		slog.Error("webhook submit failed", "post_id", string(post.ID), "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"post_id": string(post.ID)})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "records not configured")
		return
	}
	records, err := s.deps.Records.List(r.Context(), types.PostID(r.URL.Query().Get("post_id")))
	if err != nil {
		slog.Error("list records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "records not configured")
		return
	}
	rec, err := s.deps.Records.Get(r.Context(), types.JobID(r.PathValue("id")))
	if errors.Is(err, state.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("get record failed", "job_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	jobID := types.JobID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.deps.Events.Tail(r.Context(), jobID, limit)
	if err != nil {
		slog.Error("tail events failed", "job_id", string(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.JobEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifacts not configured")
		return
	}
	ref := types.ArtifactRef(r.PathValue("ref"))
	meta, err := s.deps.Artifacts.GetMeta(r.Context(), ref)
	if errors.Is(err, state.ErrArtifactNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		slog.Error("get artifact meta failed", "ref", string(ref), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	data, err := s.deps.Artifacts.Get(r.Context(), ref)
	if err != nil {
		slog.Error("get artifact failed", "ref", string(ref), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
