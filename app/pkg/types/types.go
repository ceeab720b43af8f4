package types

import "encoding/json"

// Event types carried on a task stream, in emission order per task.
const (
	EventRouteDecision    = "route_decision"
	EventTaskPlan         = "task_plan"
	EventParallelBatch    = "parallel_batch"
	EventTaskStepUpdate   = "task_step_update"
	EventToolCallStart    = "tool_call_start"
	EventToolCallEnd      = "tool_call_end"
	EventContent          = "content"
	EventApprovalNeeded   = "approval_needed"
	EventApprovalResolved = "approval_resolved"
	EventTokenUpdate      = "token_update"
	EventTrace            = "trace"
	EventDone             = "done"
	EventError            = "error"
)

// TaskEvent is the discriminated wire object streamed to clients.
type TaskEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Message is one entry in a conversation history.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	UserID         string     `json:"user_id,omitempty"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt      int64      `json:"created_at"`
}

// ToolCall records one tool invocation made during a task.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   string          `json:"status"`
	Result   string          `json:"result,omitempty"`
	ErrorMsg string          `json:"error,omitempty"`
}

// Tool call statuses.
const (
	ToolCallRunning = "running"
	ToolCallDone    = "done"
	ToolCallFailed  = "failed"
)

// RouteDecision announces which conversation a task was routed to.
type RouteDecision struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
	Reason         string `json:"reason,omitempty"`
}

// ParallelBatch marks a set of plan steps as concurrently runnable.
type ParallelBatch struct {
	StepIDs []string `json:"step_ids"`
}

// StepUpdate patches a single plan step by id.
type StepUpdate struct {
	StepID string `json:"step_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ContentDelta is an incremental chunk of streamed assistant text.
type ContentDelta struct {
	Text string `json:"text"`
}

// ApprovalNotice asks the user to sign off on a sensitive tool call.
type ApprovalNotice struct {
	ApprovalID string          `json:"approval_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// ApprovalOutcome reports that a pending approval was decided.
type ApprovalOutcome struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

// TokenUpdate carries running token counters for a task.
type TokenUpdate struct {
	Prompt     int  `json:"prompt"`
	Completion int  `json:"completion"`
	Total      int  `json:"total"`
	Warning    bool `json:"warning,omitempty"`
	Exceeded   bool `json:"exceeded,omitempty"`
}

// TraceEntry is a structured diagnostic record emitted during a run.
type TraceEntry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"task_id,omitempty"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// TaskDone terminates a stream after a successful run.
type TaskDone struct {
	ConversationID string `json:"conversation_id"`
}

// TaskError terminates a stream after a failed run.
type TaskError struct {
	Message string `json:"message"`
}
