package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cumulus/app/core/approval"
	"cumulus/app/core/conversation"
	"cumulus/app/pkg/types"
)

// Task describes one executor run.
type Task struct {
	ID             string
	UserID         string
	ConversationID string
	Prompt         string
	ApprovalTTLSec int
}

// Executor drives the agent loop for one task: plan, run step batches, gate
// sensitive tools behind human approval, and stream progress events. When it
// hits a sensitive call it persists an approval request, emits
// approval_needed, and parks on the waiter until a resolution broadcast, the
// TTL, or task cancellation settles the wait.
type Executor struct {
	planner       Planner
	approvals     *approval.Store
	waiter        *approval.Waiter
	conversations *conversation.Store
	tools         map[string]ToolDef
	runLog        *RunLog

	tokenWarn   int
	tokenExceed int
}

func NewExecutor(planner Planner, approvals *approval.Store, waiter *approval.Waiter, conversations *conversation.Store) *Executor {
	return &Executor{
		planner:       planner,
		approvals:     approvals,
		waiter:        waiter,
		conversations: conversations,
		tools:         DefaultTools(),
		tokenWarn:     80000,
		tokenExceed:   100000,
	}
}

func (e *Executor) SetTools(tools map[string]ToolDef) {
	if len(tools) > 0 {
		e.tools = tools
	}
}

func (e *Executor) SetTokenBudget(warn, exceed int) {
	if warn > 0 {
		e.tokenWarn = warn
	}
	if exceed > warn {
		e.tokenExceed = exceed
	}
}

func (e *Executor) SetRunLog(runLog *RunLog) {
	e.runLog = runLog
}

// run owns the mutable state of one execution. Step goroutines within a
// batch share it under mu; emitted events stay ordered per task.
type run struct {
	task   Task
	emit   Emit
	mu     sync.Mutex
	plan   types.Plan
	tokens types.TokenUpdate
}

func (r *run) out(ev types.TaskEvent) {
	r.mu.Lock()
	r.emit(ev)
	r.mu.Unlock()
}

// Run executes the task to a terminal done or error event. It never panics
// the caller; every exit path emits exactly one terminal event.
func (e *Executor) Run(ctx context.Context, task Task, emit Emit) {
	r := &run{task: task, emit: emit}

	conv, err := e.conversations.Ensure(ctx, task.ConversationID, task.UserID, task.Prompt)
	if err != nil {
		e.trace(r, "route", "error", err.Error())
		r.out(event(types.EventError, types.TaskError{Message: fmt.Sprintf("route failed: %v", err)}))
		return
	}
	created := conv.ID != task.ConversationID
	task.ConversationID = conv.ID
	r.task = task

	reason := "existing conversation"
	if created {
		reason = "new conversation"
	}
	r.out(event(types.EventRouteDecision, types.RouteDecision{
		ConversationID: conv.ID,
		Created:        created,
		Reason:         reason,
	}))
	e.trace(r, "route", "ok", reason)

	if err := e.conversations.AppendMessage(ctx, types.Message{
		ConversationID: conv.ID,
		UserID:         task.UserID,
		Role:           types.MessageRoleUser,
		Content:        task.Prompt,
	}); err != nil {
		log.Printf("[Agent] Persist user message failed for task %s: %v", task.ID, err)
	}

	plan, usage, err := e.planner.Plan(ctx, task.Prompt)
	if err != nil {
		e.trace(r, "plan", "error", err.Error())
		r.out(event(types.EventError, types.TaskError{Message: fmt.Sprintf("planning failed: %v", err)}))
		return
	}
	r.plan = plan
	r.tokens = usage
	e.stampBudget(&r.tokens)
	r.out(event(types.EventTaskPlan, r.plan))
	r.out(event(types.EventTokenUpdate, r.tokens))
	e.trace(r, "plan", "ok", fmt.Sprintf("%d steps", len(plan.Steps)))

	for {
		batch := readyBatch(&r.plan)
		if len(batch) == 0 {
			break
		}
		if ctx.Err() != nil {
			r.out(event(types.EventError, types.TaskError{Message: "task canceled"}))
			return
		}
		r.out(event(types.EventParallelBatch, types.ParallelBatch{StepIDs: batch}))

		var wg sync.WaitGroup
		for _, stepID := range batch {
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				e.runStep(ctx, r, stepID)
			}(stepID)
		}
		wg.Wait()

		e.skipBlocked(r)
		tokens := r.snapshotTokens()
		e.stampBudget(&tokens)
		r.out(event(types.EventTokenUpdate, tokens))
	}

	e.trace(r, "finish", "ok", "")
	r.out(event(types.EventDone, types.TaskDone{ConversationID: conv.ID}))
}

func (e *Executor) runStep(ctx context.Context, r *run, stepID string) {
	r.mu.Lock()
	step := r.plan.Find(stepID)
	if step == nil || step.Status != types.StepPending {
		r.mu.Unlock()
		return
	}
	step.Status = types.StepInProgress
	args := json.RawMessage(step.Args)
	toolName := step.Tool
	title := step.Title
	r.emit(event(types.EventTaskStepUpdate, types.StepUpdate{StepID: stepID, Status: types.StepInProgress}))
	r.mu.Unlock()

	def, ok := e.tools[toolName]
	if !ok {
		e.finishStep(r, stepID, "", fmt.Sprintf("unknown tool %q", toolName))
		return
	}

	if sensitive(def, args) {
		approved, newArgs, failure := e.requestApproval(ctx, r, toolName, args, title)
		if failure != "" {
			e.finishStep(r, stepID, "", failure)
			return
		}
		if !approved {
			e.finishStep(r, stepID, "", "approval rejected")
			return
		}
		args = newArgs
	}

	callID := uuid.NewString()
	r.out(event(types.EventToolCallStart, types.ToolCall{
		ID:     callID,
		Name:   toolName,
		Args:   args,
		Status: types.ToolCallRunning,
	}))
	e.trace(r, "tool", "start", toolName)

	result, err := def.Run(ctx, args)
	if err != nil {
		r.out(event(types.EventToolCallEnd, types.ToolCall{
			ID:       callID,
			Name:     toolName,
			Status:   types.ToolCallFailed,
			ErrorMsg: err.Error(),
		}))
		e.trace(r, "tool", "error", err.Error())
		e.finishStep(r, stepID, "", err.Error())
		return
	}

	r.out(event(types.EventToolCallEnd, types.ToolCall{
		ID:     callID,
		Name:   toolName,
		Status: types.ToolCallDone,
		Result: result,
	}))
	e.trace(r, "tool", "ok", toolName)

	for _, chunk := range chunkText(result+"\n", 80) {
		r.out(event(types.EventContent, types.ContentDelta{Text: chunk}))
	}

	r.mu.Lock()
	r.tokens.Completion += estimateTokens(result)
	r.tokens.Total = r.tokens.Prompt + r.tokens.Completion
	r.mu.Unlock()

	e.finishStep(r, stepID, result, "")
}

// requestApproval persists the approval request, announces it on the stream,
// and blocks until a decision settles. Returns failure text when the gate
// itself broke, not when the user said no.
func (e *Executor) requestApproval(ctx context.Context, r *run, toolName string, args json.RawMessage, title string) (approved bool, finalArgs json.RawMessage, failure string) {
	rec := approval.Record{
		ID:         uuid.NewString(),
		UserID:     r.task.UserID,
		ToolName:   toolName,
		Args:       args,
		Reason:     title,
		TTLSeconds: r.task.ApprovalTTLSec,
	}
	if rec.TTLSeconds <= 0 {
		rec.TTLSeconds = 300
	}
	if err := e.approvals.Put(ctx, rec); err != nil {
		e.trace(r, "approval", "error", err.Error())
		return false, nil, fmt.Sprintf("approval request failed: %v", err)
	}

	r.out(event(types.EventApprovalNeeded, types.ApprovalNotice{
		ApprovalID: rec.ID,
		ToolName:   toolName,
		Args:       args,
		Reason:     title,
		TTLSeconds: rec.TTLSeconds,
	}))
	e.trace(r, "approval", "waiting", rec.ID)

	decision := e.waiter.Wait(ctx, rec.ID, time.Duration(rec.TTLSeconds)*time.Second)

	r.out(event(types.EventApprovalResolved, types.ApprovalOutcome{
		ApprovalID: rec.ID,
		Approved:   decision.Approved,
	}))
	if !decision.Approved {
		e.trace(r, "approval", "rejected", rec.ID)
		return false, nil, ""
	}

	e.trace(r, "approval", "approved", rec.ID)
	finalArgs = args
	if len(decision.ModifiedArgs) > 0 {
		finalArgs = mergeArgs(args, decision.ModifiedArgs)
	}
	// The record's payload has been applied; drop the row so it cannot be
	// consumed twice.
	if _, err := e.approvals.Consume(ctx, rec.ID); err != nil && err != approval.ErrNotFound {
		log.Printf("[Agent] Consume approval %s failed: %v", rec.ID, err)
	}
	return true, finalArgs, ""
}

func (e *Executor) finishStep(r *run, stepID, result, failure string) {
	update := types.StepUpdate{StepID: stepID, Status: types.StepCompleted, Result: result}
	if failure != "" {
		update.Status = types.StepFailed
		update.Error = failure
	}
	r.mu.Lock()
	r.plan.Apply(update)
	r.emit(event(types.EventTaskStepUpdate, update))
	r.mu.Unlock()
}

// skipBlocked marks pending steps whose dependencies can no longer complete.
func (e *Executor) skipBlocked(r *run) {
	for {
		var skipped []string
		r.mu.Lock()
		for i := range r.plan.Steps {
			step := &r.plan.Steps[i]
			if step.Status != types.StepPending {
				continue
			}
			for _, dep := range step.DependsOn {
				depStep := r.plan.Find(dep)
				if depStep == nil {
					continue
				}
				if depStep.Status == types.StepFailed || depStep.Status == types.StepSkipped {
					step.Status = types.StepSkipped
					skipped = append(skipped, step.ID)
					break
				}
			}
		}
		for _, id := range skipped {
			r.emit(event(types.EventTaskStepUpdate, types.StepUpdate{StepID: id, Status: types.StepSkipped}))
		}
		r.mu.Unlock()
		if len(skipped) == 0 {
			return
		}
	}
}

func (r *run) snapshotTokens() types.TokenUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

func (e *Executor) stampBudget(tokens *types.TokenUpdate) {
	tokens.Warning = tokens.Total >= e.tokenWarn
	tokens.Exceeded = tokens.Total >= e.tokenExceed
}

func (e *Executor) trace(r *run, stage, status, detail string) {
	entry := types.TraceEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    r.task.ID,
		Stage:     stage,
		Status:    status,
		Detail:    detail,
	}
	r.out(event(types.EventTrace, entry))
	if err := e.runLog.Record(entry); err != nil {
		log.Printf("[Agent] Run log append failed: %v", err)
	}
}

// readyBatch returns pending steps whose dependencies are all completed.
// Caller holds no locks; the batch is computed under the run mutex.
func readyBatch(plan *types.Plan) []string {
	var batch []string
	for _, step := range plan.Steps {
		if step.Status != types.StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			depStep := plan.Find(dep)
			if depStep == nil {
				continue
			}
			if depStep.Status != types.StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			batch = append(batch, step.ID)
		}
	}
	return batch
}

func chunkText(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
