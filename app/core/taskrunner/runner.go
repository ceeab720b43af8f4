package taskrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"cumulus/app/pkg/types"
)

// StreamOpener opens the long-lived ndjson event connection for one task.
type StreamOpener interface {
	Open(ctx context.Context, taskID string) (io.ReadCloser, error)
}

// HTTPStreamOpener dials the agent task stream endpoint.
type HTTPStreamOpener struct {
	BaseURL string
	UserID  string
	Client  *http.Client
}

func (o *HTTPStreamOpener) Open(ctx context.Context, taskID string) (io.ReadCloser, error) {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(o.BaseURL, "/") + "/api/agent/tasks/" + taskID + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if o.UserID != "" {
		req.Header.Set("X-User-ID", o.UserID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream %s: unexpected status %d", taskID, resp.StatusCode)
	}
	return resp.Body, nil
}

type registration struct {
	cancel   context.CancelFunc
	attached bool
}

// Runner owns exactly one open stream connection per running task,
// independent of which view is showing the task. Each incoming event is
// routed to the foreground or background sink based on the registration's
// current attached flag, read fresh at dispatch time.
type Runner struct {
	opener     StreamOpener
	foreground EventSink
	background EventSink

	mu    sync.Mutex
	tasks map[string]*registration
}

func NewRunner(opener StreamOpener, foreground, background EventSink) *Runner {
	return &Runner{
		opener:     opener,
		foreground: foreground,
		background: background,
		tasks:      map[string]*registration{},
	}
}

// Start opens the task's stream and begins consuming it fire-and-forget.
// Starting an already-registered task is a no-op.
func (r *Runner) Start(taskID string, attached bool) {
	r.mu.Lock()
	if _, ok := r.tasks[taskID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.tasks[taskID] = &registration{cancel: cancel, attached: attached}
	r.mu.Unlock()

	go r.consume(ctx, taskID)
}

// Attach flips the task's events back to the foreground sink. Pure flag flip;
// the connection is untouched.
func (r *Runner) Attach(taskID string) bool {
	return r.setAttached(taskID, true)
}

// Detach flips the task's events to the background sink.
func (r *Runner) Detach(taskID string) bool {
	return r.setAttached(taskID, false)
}

func (r *Runner) setAttached(taskID string, attached bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	reg.attached = attached
	return true
}

// Abort cancels the task's connection and removes its registration.
// Idempotent; safe on a task that already finished.
func (r *Runner) Abort(taskID string) {
	r.mu.Lock()
	reg, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()
	if ok {
		reg.cancel()
	}
}

// Attached reports the current flag for a registered task.
func (r *Runner) Attached(taskID string) (attached bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, found := r.tasks[taskID]
	if !found {
		return false, false
	}
	return reg.attached, true
}

func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// consume reads the stream line by line until a terminal event or the
// connection drops. A drop without a terminal event is recovered as an
// implicit done so the task never sticks in running.
func (r *Runner) consume(ctx context.Context, taskID string) {
	defer r.remove(taskID)

	body, err := r.opener.Open(ctx, taskID)
	if err != nil {
		log.Printf("[TaskRunner] Open stream for task %s: %v", taskID, err)
		r.dispatch(taskID, types.TaskEvent{Type: types.EventError, Data: errorPayload(err)})
		return
	}
	defer body.Close()

	terminal := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev types.TaskEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("[TaskRunner] Decode stream line for task %s: %v", taskID, err)
			continue
		}
		r.dispatch(taskID, ev)
		if ev.Type == types.EventDone || ev.Type == types.EventError {
			terminal = true
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("[TaskRunner] Stream for task %s dropped: %v", taskID, err)
	}

	if !terminal && ctx.Err() == nil {
		r.dispatch(taskID, types.TaskEvent{Type: types.EventDone})
	}
}

// dispatch re-reads the attached flag for every event so a mid-stream
// attach/detach redirects the very next event.
func (r *Runner) dispatch(taskID string, ev types.TaskEvent) {
	r.mu.Lock()
	reg, ok := r.tasks[taskID]
	attached := ok && reg.attached
	r.mu.Unlock()
	if !ok {
		return
	}
	if attached {
		r.foreground.Apply(taskID, ev)
	} else {
		r.background.Apply(taskID, ev)
	}
}

func (r *Runner) remove(taskID string) {
	r.mu.Lock()
	reg, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()
	if ok {
		reg.cancel()
	}
}

func errorPayload(err error) json.RawMessage {
	data, encodeErr := json.Marshal(types.TaskError{Message: err.Error()})
	if encodeErr != nil {
		return nil
	}
	return data
}
