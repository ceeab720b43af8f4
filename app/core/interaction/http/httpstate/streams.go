package httpstate

import (
	"context"
	"sync"
	"time"

	"cumulus/app/pkg/types"
)

// Task stream statuses tracked for the status endpoint.
const (
	StreamRunning  = "running"
	StreamFinished = "finished"
)

type stream struct {
	taskID    string
	userID    string
	createdAt time.Time
	status    string
	events    chan types.TaskEvent
	closed    bool
}

// StreamInfo is the exported snapshot of one registered stream.
type StreamInfo struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Hub owns the per-task event pipes between executor goroutines and the one
// streaming connection a client holds per task. Events buffer in the pipe
// until the client attaches; a slow consumer backpressures the publisher
// rather than losing events.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{streams: map[string]*stream{}, buffer: buffer}
}

// Open registers a task before its executor starts. Re-opening an existing
// task id is a no-op.
func (h *Hub) Open(taskID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[taskID]; ok {
		return
	}
	h.streams[taskID] = &stream{
		taskID:    taskID,
		userID:    userID,
		createdAt: time.Now().UTC(),
		status:    StreamRunning,
		events:    make(chan types.TaskEvent, h.buffer),
	}
}

// Publish appends one event to the task's pipe, blocking when the pipe is
// full until the consumer catches up or ctx ends. Terminal events close the
// pipe. Publishing to an unknown or finished task drops the event.
func (h *Hub) Publish(ctx context.Context, taskID string, ev types.TaskEvent) {
	h.mu.Lock()
	s, ok := h.streams[taskID]
	if !ok || s.closed {
		h.mu.Unlock()
		return
	}
	events := s.events
	h.mu.Unlock()

	select {
	case events <- ev:
	case <-ctx.Done():
		return
	}

	if ev.Type == types.EventDone || ev.Type == types.EventError {
		h.finish(taskID)
	}
}

func (h *Hub) finish(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[taskID]
	if !ok || s.closed {
		return
	}
	s.closed = true
	s.status = StreamFinished
	close(s.events)
}

// Subscribe hands out the task's event pipe. The contract is one consumer
// per task; the channel is shared, so a second concurrent subscriber would
// steal events from the first.
func (h *Hub) Subscribe(taskID string) (<-chan types.TaskEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[taskID]
	if !ok {
		return nil, false
	}
	return s.events, true
}

// Remove deletes the registration once its stream was fully consumed.
func (h *Hub) Remove(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, taskID)
}

// List snapshots registered streams for the status endpoint.
func (h *Hub) List() []StreamInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]StreamInfo, 0, len(h.streams))
	for _, s := range h.streams {
		infos = append(infos, StreamInfo{
			TaskID:    s.taskID,
			UserID:    s.userID,
			Status:    s.status,
			CreatedAt: s.createdAt,
		})
	}
	return infos
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
