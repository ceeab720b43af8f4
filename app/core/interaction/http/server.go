package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cumulus/app/core/agent"
	"cumulus/app/core/approval"
	"cumulus/app/core/interaction/http/httpstate"
	"cumulus/app/core/queue"
	"cumulus/app/pkg/types"
)

const defaultApprovalTTLSec = 300

// Server exposes the agent task API: task submission, the per-task ndjson
// event stream, and the approval resolution endpoints.
type Server struct {
	port            int
	server          *http.Server
	shutdownTimeout time.Duration
	startedUnix     atomic.Int64

	hub       *httpstate.Hub
	executor  *agent.Executor
	approvals *approval.Store
	jobs      *queue.Queue

	defaultTTLSec  int
	maxTTLSec      int
	attemptTimeout time.Duration
	statusProvider func(context.Context) map[string]interface{}
}

func NewServer(port int, hub *httpstate.Hub, executor *agent.Executor, approvals *approval.Store, jobs *queue.Queue) *Server {
	return &Server{
		port:            port,
		shutdownTimeout: 5 * time.Second,
		hub:             hub,
		executor:        executor,
		approvals:       approvals,
		jobs:            jobs,
		defaultTTLSec:   defaultApprovalTTLSec,
		maxTTLSec:       3600,
		attemptTimeout:  10 * time.Minute,
	}
}

func (s *Server) SetApprovalTTLBounds(defaultSec, maxSec int) {
	if defaultSec > 0 {
		s.defaultTTLSec = defaultSec
	}
	if maxSec >= s.defaultTTLSec {
		s.maxTTLSec = maxSec
	}
}

func (s *Server) SetAttemptTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.attemptTimeout = timeout
	}
}

func (s *Server) SetShutdownTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.shutdownTimeout = timeout
	}
}

func (s *Server) SetStatusProvider(provider func(context.Context) map[string]interface{}) {
	s.statusProvider = provider
}

func (s *Server) Start(ctx context.Context) error {
	s.startedUnix.Store(time.Now().Unix())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/tasks", s.handleTasks)
	mux.HandleFunc("/api/agent/tasks/", s.handleTasks)
	mux.HandleFunc("/api/approvals", s.handleApprovals)
	mux.HandleFunc("/api/approvals/", s.handleApprovals)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}()

	log.Printf("[HTTP] Listening on port %d...", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type submitTaskRequest struct {
	Prompt         string `json:"prompt"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
}

type submitTaskResponse struct {
	TaskID    string `json:"task_id"`
	StreamURL string `json:"stream_url"`
	Accepted  string `json:"accepted_at"`
}

type resolveApprovalRequest struct {
	UserID       string          `json:"user_id"`
	Approved     bool            `json:"approved"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

type approvalListResponse struct {
	Approvals []approval.Record `json:"approvals"`
}

type statusResponse struct {
	ChannelID   string                 `json:"channel_id"`
	TaskStreams []httpstate.StreamInfo `json:"task_streams"`
	StartedAt   string                 `json:"started_at,omitempty"`
	UptimeSec   int64                  `json:"uptime_sec"`
	Queue       queue.Stats            `json:"queue"`
	Runtime     map[string]interface{} `json:"runtime,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/agent/tasks" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskSubmit(w, r)
		return
	}

	id, action, ok := parseTaskPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "stream":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskStream(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req submitTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	userID := callerID(r, req.UserID)
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = s.defaultTTLSec
	}
	if ttl > s.maxTTLSec {
		ttl = s.maxTTLSec
	}

	task := agent.Task{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: strings.TrimSpace(req.ConversationID),
		Prompt:         req.Prompt,
		ApprovalTTLSec: ttl,
	}
	s.hub.Open(task.ID, userID)

	_, err = s.jobs.Enqueue(queue.Job{
		ID:             "task-" + task.ID,
		AttemptTimeout: s.attemptTimeout,
		Run: func(runCtx context.Context) error {
			s.executor.Run(runCtx, task, func(ev types.TaskEvent) {
				s.hub.Publish(runCtx, task.ID, ev)
			})
			return nil
		},
	})
	if err != nil {
		s.hub.Remove(task.ID)
		http.Error(w, "task queue unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := submitTaskResponse{
		TaskID:    task.ID,
		StreamURL: "/api/agent/tasks/" + task.ID + "/stream",
		Accepted:  time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleTaskStream writes the task's events as ndjson until a terminal event
// closes the pipe or the client goes away. The registration is removed only
// after the pipe is drained, so a finished task's tail is never cut off.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request, taskID string) {
	events, ok := s.hub.Subscribe(taskID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case ev, open := <-events:
			if !open {
				s.hub.Remove(taskID)
				return
			}
			if err := encoder.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/approvals" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleApprovalList(w, r)
		return
	}

	id, action, ok := parseApprovalPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "resolve":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleApprovalResolve(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	records, err := s.approvals.ListPending(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []approval.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(approvalListResponse{Approvals: records})
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request, approvalID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req resolveApprovalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	userID := callerID(r, req.UserID)
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rec, err := s.approvals.Resolve(r.Context(), approvalID, userID, req.Approved, req.ModifiedArgs)
	if errors.Is(err, approval.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		ChannelID:   "http",
		TaskStreams: s.hub.List(),
		Queue:       s.jobs.Stats(),
	}
	if started := s.startedUnix.Load(); started > 0 {
		startAt := time.Unix(started, 0).UTC()
		resp.StartedAt = startAt.Format(time.RFC3339)
		resp.UptimeSec = int64(time.Since(startAt).Seconds())
		if resp.UptimeSec < 0 {
			resp.UptimeSec = 0
		}
	}
	if s.statusProvider != nil {
		resp.Runtime = s.statusProvider(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// callerID resolves the acting user. Real deployments put the authenticated
// identity in X-User-ID upstream of this service; the explicit field is the
// local fallback.
func callerID(r *http.Request, explicit string) string {
	if header := strings.TrimSpace(r.Header.Get("X-User-ID")); header != "" {
		return header
	}
	return strings.TrimSpace(explicit)
}

func parseTaskPath(path string) (id string, action string, ok bool) {
	if !strings.HasPrefix(path, "/api/agent/tasks/") {
		return "", "", false
	}
	tail := strings.Trim(strings.TrimPrefix(path, "/api/agent/tasks/"), "/")
	if tail == "" {
		return "", "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) == 1 {
		return parts[0], "", true
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return "", "", false
}

func parseApprovalPath(path string) (id string, action string, ok bool) {
	if !strings.HasPrefix(path, "/api/approvals/") {
		return "", "", false
	}
	tail := strings.Trim(strings.TrimPrefix(path, "/api/approvals/"), "/")
	if tail == "" {
		return "", "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) == 1 {
		return parts[0], "", true
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return "", "", false
}
