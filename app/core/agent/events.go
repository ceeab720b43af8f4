package agent

import (
	"encoding/json"
	"log"

	"cumulus/app/pkg/types"
)

// Emit is the sink one task run streams its events into. The hub serializes
// delivery, so calls for one task must already be ordered by the caller.
type Emit func(types.TaskEvent)

func event(eventType string, data interface{}) types.TaskEvent {
	if data == nil {
		return types.TaskEvent{Type: eventType}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Agent] Encode %s event failed: %v", eventType, err)
		return types.TaskEvent{Type: eventType}
	}
	return types.TaskEvent{Type: eventType, Data: payload}
}
