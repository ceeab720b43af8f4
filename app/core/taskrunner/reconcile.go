package taskrunner

import (
	"context"
	"fmt"
	"log"

	"cumulus/app/core/conversation"
	"cumulus/app/pkg/types"
)

// ConversationTraceCache persists finished-task traces into the durable
// per-conversation cache.
type ConversationTraceCache struct {
	Store *conversation.Store
}

func (c *ConversationTraceCache) PersistTraces(conversationID, taskID string, entries []types.TraceEntry) error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.SaveTraces(context.Background(), conversationID, taskID, entries)
}

// Controller coordinates the runner with the two state sinks, keeping the
// invariant that a task's state lives in exactly one sink at a time.
type Controller struct {
	runner     *Runner
	foreground *ForegroundState
	background *BackgroundRegistry
	traces     TracePersister
}

func NewController(runner *Runner, foreground *ForegroundState, background *BackgroundRegistry, traces TracePersister) *Controller {
	return &Controller{
		runner:     runner,
		foreground: foreground,
		background: background,
		traces:     traces,
	}
}

// StartTask registers a fresh task and opens its stream. Attached tasks feed
// the foreground view; detached ones go straight to the background registry.
func (c *Controller) StartTask(taskID, conversationID, prompt string, attached bool) {
	state := NewTaskState(taskID, conversationID, prompt)
	if attached {
		// The previous foreground task, if still live, keeps streaming in the
		// background.
		c.displaceForeground(state)
	} else {
		c.background.Put(state)
	}
	c.runner.Start(taskID, attached)
}

// DetachCurrentTask moves the in-flight foreground task into the background
// registry and flips its stream to the background sink, freeing the
// foreground for another conversation.
//
// Ordering matters: the state is registered in the background sink before the
// flag flips, so an event dispatched mid-transition always finds the task in
// whichever sink it is routed to. Both sinks briefly hold the same pointer;
// events for one task are sequential, so the applies never overlap.
func (c *Controller) DetachCurrentTask() {
	state := c.foreground.Current()
	if state == nil {
		return
	}
	if state.Terminal() {
		c.foreground.Take()
		return
	}
	c.background.Put(state)
	c.runner.Detach(state.TaskID)
	c.foreground.Take()
}

// AttachBackgroundTask brings a background task into the foreground. A still
// live task keeps streaming, now into the foreground view; a finished one has
// its traces persisted durably before the background record is discarded.
func (c *Controller) AttachBackgroundTask(taskID string) error {
	state := c.background.Get(taskID)
	if state == nil {
		return fmt.Errorf("taskrunner: no background task %s", taskID)
	}

	if state.Terminal() {
		c.background.Take(taskID)
		if c.traces != nil && len(state.Traces) > 0 && state.ConversationID != "" {
			if err := c.traces.PersistTraces(state.ConversationID, state.TaskID, state.Traces); err != nil {
				log.Printf("[TaskRunner] Persist traces for task %s: %v", taskID, err)
			}
		}
		state.ClearStreamBuffers()
		c.displaceForeground(state)
		return nil
	}

	// Install in the foreground before flipping the flag, and only then drop
	// the registry entry; an event dispatched mid-transition finds the task in
	// whichever sink receives it.
	c.displaceForeground(state)
	c.runner.Attach(taskID)
	c.background.Take(taskID)
	return nil
}

// AbortTask tears down the task's connection and drops its state wherever it
// lives. Idempotent.
func (c *Controller) AbortTask(taskID string) {
	c.runner.Abort(taskID)
	c.background.Take(taskID)
	if current := c.foreground.Current(); current != nil && current.TaskID == taskID {
		c.foreground.Take()
	}
}

func (c *Controller) displaceForeground(state *TaskState) {
	previous := c.foreground.Current()
	if previous != nil && !previous.Terminal() && previous.TaskID != state.TaskID {
		c.background.Put(previous)
		c.runner.Detach(previous.TaskID)
	}
	c.foreground.Set(state)
}
