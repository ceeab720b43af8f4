package approval

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"cumulus/app/core/storage/db"
)

// Broadcaster is the single shared channel resolutions are published on.
// Every process subscribes at most once; subscribers filter by approval id
// themselves.
type Broadcaster interface {
	Publish(ctx context.Context, res Resolution) error
	Subscribe(handler func(Resolution)) (cancel func())
}

// MemoryBroadcaster fans resolutions out to in-process subscribers. Suitable
// for single-node deployments and tests.
type MemoryBroadcaster struct {
	mu       sync.Mutex
	handlers map[int]func(Resolution)
	nextID   int
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{handlers: map[int]func(Resolution){}}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, res Resolution) error {
	b.mu.Lock()
	handlers := make([]func(Resolution), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(res)
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(handler func(Resolution)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// PollBroadcaster delivers resolutions across processes through the shared
// approval_broadcasts table: publish appends a row, every subscribed process
// polls for rows newer than the last sequence it saw. This is the polling
// fallback shape of the broadcast contract; the poll loop starts with the
// first subscriber and costs one query per interval regardless of how many
// approvals the process is waiting on.
type PollBroadcaster struct {
	db       *db.DB
	interval time.Duration

	mu       sync.Mutex
	handlers map[int]func(Resolution)
	nextID   int
	lastSeq  int64
	running  bool
	stop     chan struct{}
	stopped  sync.WaitGroup
}

func NewPollBroadcaster(database *db.DB, interval time.Duration) *PollBroadcaster {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &PollBroadcaster{
		db:       database,
		interval: interval,
		handlers: map[int]func(Resolution){},
	}
}

func (b *PollBroadcaster) Publish(ctx context.Context, res Resolution) error {
	_, err := b.db.Conn().ExecContext(ctx,
		`INSERT INTO approval_broadcasts (approval_id, approved, modified_args, published_at) VALUES (?, ?, ?, ?)`,
		res.ApprovalID, boolToInt(res.Approved), nullableJSON(res.ModifiedArgs), time.Now().Unix())
	return err
}

func (b *PollBroadcaster) Subscribe(handler func(Resolution)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	if !b.running {
		b.running = true
		b.stop = make(chan struct{})
		// Skip history: deliveries start from the current tail.
		if seq, err := b.tailSeq(); err == nil {
			b.lastSeq = seq
		}
		b.stopped.Add(1)
		go b.pollLoop(b.stop)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Close stops the poll loop. Subscriptions stay registered but receive
// nothing further.
func (b *PollBroadcaster) Close() {
	b.mu.Lock()
	if b.running {
		b.running = false
		close(b.stop)
	}
	b.mu.Unlock()
	b.stopped.Wait()
}

func (b *PollBroadcaster) pollLoop(stop chan struct{}) {
	defer b.stopped.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.deliverNew(); err != nil {
				log.Printf("[Approval] Broadcast poll failed: %v", err)
			}
		}
	}
}

func (b *PollBroadcaster) deliverNew() error {
	b.mu.Lock()
	since := b.lastSeq
	b.mu.Unlock()

	rows, err := b.db.Conn().Query(
		`SELECT seq, approval_id, approved, COALESCE(modified_args, '') FROM approval_broadcasts WHERE seq > ? ORDER BY seq ASC`,
		since)
	if err != nil {
		return err
	}
	defer rows.Close()

	type delivery struct {
		seq int64
		res Resolution
	}
	var pending []delivery
	for rows.Next() {
		var d delivery
		var approved int
		var modified string
		if err := rows.Scan(&d.seq, &d.res.ApprovalID, &approved, &modified); err != nil {
			return err
		}
		d.res.Approved = approved != 0
		if modified != "" {
			d.res.ModifiedArgs = json.RawMessage(modified)
		}
		pending = append(pending, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range pending {
		b.mu.Lock()
		b.lastSeq = d.seq
		handlers := make([]func(Resolution), 0, len(b.handlers))
		for _, h := range b.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()
		for _, h := range handlers {
			h(d.res)
		}
	}
	return nil
}

func (b *PollBroadcaster) tailSeq() (int64, error) {
	var seq int64
	err := b.db.Conn().QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM approval_broadcasts`).Scan(&seq)
	return seq, err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
