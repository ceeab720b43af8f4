package taskrunner

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"cumulus/app/pkg/types"
)

// Client-visible task statuses.
const (
	TaskRunning         = "running"
	TaskWaitingApproval = "waiting_approval"
	TaskCompleted       = "completed"
	TaskError           = "error"
)

// TaskState accumulates everything one task stream has produced so far. It
// lives in exactly one sink at a time (foreground or background registry) and
// moves between them by pointer, so buffered stream text survives a
// detach/attach cycle without loss or duplication.
type TaskState struct {
	TaskID         string
	ConversationID string
	Status         string
	Prompt         string
	StartedAt      time.Time

	Messages         []types.Message
	StreamText       string
	ToolCalls        []types.ToolCall
	Plan             types.Plan
	PlanDone         bool
	ActiveBatch      []string
	Route            *types.RouteDecision
	PendingApprovals []types.ApprovalNotice
	Traces           []types.TraceEntry
	Tokens           types.TokenUpdate

	finalized bool
}

func NewTaskState(taskID, conversationID, prompt string) *TaskState {
	return &TaskState{
		TaskID:         taskID,
		ConversationID: conversationID,
		Status:         TaskRunning,
		Prompt:         prompt,
		StartedAt:      time.Now().UTC(),
	}
}

// Apply folds one stream event into the state. Unknown event types are
// ignored so vocabulary additions do not break older clients.
func (t *TaskState) Apply(ev types.TaskEvent) {
	switch ev.Type {
	case types.EventRouteDecision:
		var route types.RouteDecision
		if decode(ev.Data, &route) {
			t.Route = &route
			if route.ConversationID != "" {
				t.ConversationID = route.ConversationID
			}
		}
	case types.EventTaskPlan:
		var plan types.Plan
		if decode(ev.Data, &plan) {
			t.Plan = plan
			t.PlanDone = t.Plan.Done()
		}
	case types.EventParallelBatch:
		var batch types.ParallelBatch
		if decode(ev.Data, &batch) {
			t.ActiveBatch = batch.StepIDs
		}
	case types.EventTaskStepUpdate:
		var update types.StepUpdate
		if decode(ev.Data, &update) {
			t.Plan.Apply(update)
			t.PlanDone = t.Plan.Done()
		}
	case types.EventToolCallStart:
		var call types.ToolCall
		if decode(ev.Data, &call) {
			t.ToolCalls = append(t.ToolCalls, call)
		}
	case types.EventToolCallEnd:
		var call types.ToolCall
		if decode(ev.Data, &call) {
			t.patchToolCall(call)
		}
	case types.EventContent:
		var delta types.ContentDelta
		if decode(ev.Data, &delta) {
			t.StreamText += delta.Text
		}
	case types.EventApprovalNeeded:
		var notice types.ApprovalNotice
		if decode(ev.Data, &notice) {
			t.PendingApprovals = append(t.PendingApprovals, notice)
			t.Status = TaskWaitingApproval
		}
	case types.EventApprovalResolved:
		var outcome types.ApprovalOutcome
		if decode(ev.Data, &outcome) {
			t.removeApproval(outcome.ApprovalID)
			if len(t.PendingApprovals) == 0 && t.Status == TaskWaitingApproval {
				t.Status = TaskRunning
			}
		}
	case types.EventTokenUpdate:
		var tokens types.TokenUpdate
		if decode(ev.Data, &tokens) {
			t.Tokens = tokens
		}
	case types.EventTrace:
		var entry types.TraceEntry
		if decode(ev.Data, &entry) {
			t.Traces = append(t.Traces, entry)
		}
	case types.EventDone:
		var done types.TaskDone
		if decode(ev.Data, &done) && done.ConversationID != "" {
			t.ConversationID = done.ConversationID
		}
		t.finalize("")
	case types.EventError:
		var taskErr types.TaskError
		msg := "task failed"
		if decode(ev.Data, &taskErr) && taskErr.Message != "" {
			msg = taskErr.Message
		}
		t.finalize(msg)
	}
}

// finalize folds the buffered stream text and tool calls into one assistant
// message. Idempotent; the implicit-done recovery path may call it after a
// real terminal event already did.
func (t *TaskState) finalize(failure string) {
	if t.finalized {
		return
	}
	t.finalized = true

	content := t.StreamText
	if failure != "" {
		t.Status = TaskError
		if content != "" {
			content += "\n"
		}
		content += "Task failed: " + failure
	} else {
		t.Status = TaskCompleted
	}

	if content != "" || len(t.ToolCalls) > 0 {
		calls := make([]types.ToolCall, len(t.ToolCalls))
		copy(calls, t.ToolCalls)
		t.Messages = append(t.Messages, types.Message{
			ConversationID: t.ConversationID,
			Role:           types.MessageRoleAssistant,
			Content:        content,
			ToolCalls:      calls,
			CreatedAt:      time.Now().Unix(),
		})
	}
	t.PendingApprovals = nil
	t.ActiveBatch = nil
}

// Terminal reports whether the task reached completed or error.
func (t *TaskState) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskError
}

// ClearStreamBuffers drops the live buffers after their content has been
// folded into the message list.
func (t *TaskState) ClearStreamBuffers() {
	t.StreamText = ""
	t.ToolCalls = nil
}

func (t *TaskState) patchToolCall(call types.ToolCall) {
	for i := len(t.ToolCalls) - 1; i >= 0; i-- {
		if t.ToolCalls[i].ID == call.ID {
			if call.Status != "" {
				t.ToolCalls[i].Status = call.Status
			}
			if call.Result != "" {
				t.ToolCalls[i].Result = call.Result
			}
			if call.ErrorMsg != "" {
				t.ToolCalls[i].ErrorMsg = call.ErrorMsg
			}
			return
		}
	}
	t.ToolCalls = append(t.ToolCalls, call)
}

func (t *TaskState) removeApproval(approvalID string) {
	kept := t.PendingApprovals[:0]
	for _, notice := range t.PendingApprovals {
		if notice.ApprovalID != approvalID {
			kept = append(kept, notice)
		}
	}
	t.PendingApprovals = kept
}

func decode(data json.RawMessage, target interface{}) bool {
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		log.Printf("[TaskRunner] Decode event payload: %v", err)
		return false
	}
	return true
}

// EventSink receives stream events for a task. The runner selects one of the
// two sinks fresh on every event based on the registration's attached flag.
type EventSink interface {
	Apply(taskID string, ev types.TaskEvent)
}

// TracePersister stores a finished task's trace entries durably. The
// conversation store satisfies it on the server; clients may wire an API call.
type TracePersister interface {
	PersistTraces(conversationID, taskID string, entries []types.TraceEntry) error
}

// Notifier surfaces approval requests that arrive while their task is
// detached, so the user can deep-link back to it.
type Notifier interface {
	NotifyApprovalNeeded(taskID string, notice types.ApprovalNotice)
}

// ForegroundState holds the one task whose events feed the active
// conversation view.
type ForegroundState struct {
	mu      sync.Mutex
	current *TaskState
	traces  TracePersister
}

func NewForegroundState(traces TracePersister) *ForegroundState {
	return &ForegroundState{traces: traces}
}

// Set installs a task as the foreground one, returning whatever held the slot.
func (f *ForegroundState) Set(state *TaskState) *TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous := f.current
	f.current = state
	return previous
}

// Take removes and returns the current foreground task.
func (f *ForegroundState) Take() *TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.current
	f.current = nil
	return state
}

// Current returns the foreground task without removing it.
func (f *ForegroundState) Current() *TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// View runs fn on the foreground task under the sink lock, so readers never
// race the dispatch goroutine. fn receives nil when the slot is empty.
func (f *ForegroundState) View(fn func(*TaskState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.current)
}

func (f *ForegroundState) Apply(taskID string, ev types.TaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.TaskID != taskID {
		return
	}
	wasTerminal := f.current.Terminal()
	f.current.Apply(ev)
	if !wasTerminal && f.current.Terminal() {
		f.persistTracesLocked(f.current)
	}
}

func (f *ForegroundState) persistTracesLocked(state *TaskState) {
	if f.traces == nil || len(state.Traces) == 0 || state.ConversationID == "" {
		return
	}
	if err := f.traces.PersistTraces(state.ConversationID, state.TaskID, state.Traces); err != nil {
		log.Printf("[TaskRunner] Persist traces for task %s: %v", state.TaskID, err)
	}
}

// BackgroundRegistry holds detached tasks. Their streams keep feeding events
// here until the task finishes or is re-attached.
type BackgroundRegistry struct {
	mu       sync.Mutex
	tasks    map[string]*TaskState
	notifier Notifier
}

func NewBackgroundRegistry(notifier Notifier) *BackgroundRegistry {
	return &BackgroundRegistry{tasks: map[string]*TaskState{}, notifier: notifier}
}

func (b *BackgroundRegistry) Put(state *TaskState) {
	if state == nil {
		return
	}
	b.mu.Lock()
	b.tasks[state.TaskID] = state
	b.mu.Unlock()
}

// Take removes and returns the record for taskID, or nil.
func (b *BackgroundRegistry) Take(taskID string) *TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.tasks[taskID]
	delete(b.tasks, taskID)
	return state
}

func (b *BackgroundRegistry) Get(taskID string) *TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks[taskID]
}

// View runs fn on the task's record under the registry lock. fn receives nil
// for unknown tasks.
func (b *BackgroundRegistry) View(taskID string, fn func(*TaskState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.tasks[taskID])
}

func (b *BackgroundRegistry) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *BackgroundRegistry) Apply(taskID string, ev types.TaskEvent) {
	b.mu.Lock()
	state, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return
	}
	state.Apply(ev)
	notifier := b.notifier
	b.mu.Unlock()

	if ev.Type == types.EventApprovalNeeded && notifier != nil {
		var notice types.ApprovalNotice
		if decode(ev.Data, &notice) {
			notifier.NotifyApprovalNeeded(taskID, notice)
		}
	}
}
