package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Decision is what a suspended executor resumes with.
type Decision struct {
	Approved     bool
	ModifiedArgs json.RawMessage
}

// Waiter parks executor goroutines until the approval they created is
// resolved somewhere in the cluster. The blocking wait lives only in this
// process's memory: a local resolver channel keyed by approval id, unblocked
// by the shared broadcast. The process subscribes to the broadcast exactly
// once, on the first wait, no matter how many approvals are in flight.
type Waiter struct {
	broadcaster Broadcaster

	mu        sync.Mutex
	resolvers map[string]chan Resolution

	subscribeOnce sync.Once
	cancelSub     func()
}

func NewWaiter(broadcaster Broadcaster) *Waiter {
	return &Waiter{
		broadcaster: broadcaster,
		resolvers:   map[string]chan Resolution{},
	}
}

// Wait blocks until the approval resolves, the context is canceled, or the
// TTL elapses. Cancellation and timeout both settle as a rejection: approvals
// fail closed. Exactly one of the three paths wins; the losing paths are
// retired when the resolver is deregistered.
//
// Tie-break: if the broadcast was already delivered to the local resolver by
// the time the TTL timer fires, the broadcast wins.
func (w *Waiter) Wait(ctx context.Context, approvalID string, ttl time.Duration) Decision {
	w.subscribeOnce.Do(func() {
		w.cancelSub = w.broadcaster.Subscribe(w.deliver)
	})

	ch := make(chan Resolution, 1)
	w.mu.Lock()
	w.resolvers[approvalID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.resolvers, approvalID)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case res := <-ch:
		return Decision{Approved: res.Approved, ModifiedArgs: res.ModifiedArgs}
	case <-ctx.Done():
		return Decision{}
	case <-timer.C:
		select {
		case res := <-ch:
			return Decision{Approved: res.Approved, ModifiedArgs: res.ModifiedArgs}
		default:
			return Decision{}
		}
	}
}

// Pending returns how many approvals this process is currently parked on.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resolvers)
}

// Close drops the broadcast subscription. In-flight waits settle through
// their timeout or cancellation paths.
func (w *Waiter) Close() {
	w.mu.Lock()
	cancel := w.cancelSub
	w.cancelSub = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Waiter) deliver(res Resolution) {
	w.mu.Lock()
	ch, ok := w.resolvers[res.ApprovalID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}
