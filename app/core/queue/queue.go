package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueStarted    = errors.New("queue: already started")
	ErrQueueStopped    = errors.New("queue: stopped")
	ErrEnqueueCanceled = errors.New("queue: enqueue canceled")
)

// Job is one unit of background work. Agent runs set AttemptTimeout to bound
// a single execution; they do not retry, a failed run surfaces through its
// own error event instead.
type Job struct {
	ID             string
	MaxRetries     int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	Run            func(context.Context) error
}

type queuedJob struct {
	job     Job
	attempt int
}

type Stats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

// Queue is a bounded worker pool with optional per-job retries.
type Queue struct {
	mu       sync.Mutex
	jobs     chan queuedJob
	started  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	nextID    atomic.Uint64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{jobs: make(chan queuedJob, buffer)}
}

func (q *Queue) Enqueue(job Job) (string, error) {
	return q.EnqueueContext(context.Background(), job)
}

func (q *Queue) EnqueueContext(ctx context.Context, job Job) (string, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("q-%d", q.nextID.Add(1))
	}

	q.mu.Lock()
	jobs := q.jobs
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	select {
	case jobs <- queuedJob{job: job}:
		q.enqueued.Add(1)
		return job.ID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrEnqueueCanceled, ctx.Err())
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	return Stats{
		Started:   started,
		Depth:     len(q.jobs),
		Capacity:  cap(q.jobs),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
	}
}

func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.stopping = false
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// Stop drains queued and in-flight jobs, then cancels the workers. With a
// positive timeout, jobs still running past the deadline are canceled.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.stopping = true
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	timedOut := false
	for len(q.jobs) > 0 || q.inFlight.Load() > 0 {
		if timeout > 0 && time.Now().After(deadline) {
			timedOut = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			timedOut = true
		}
	} else {
		<-done
	}

	q.mu.Lock()
	q.stopping = false
	q.mu.Unlock()

	if timedOut {
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.jobs:
			q.inFlight.Add(1)
			q.runOnce(ctx, item)
			q.inFlight.Add(-1)
		}
	}
}

func (q *Queue) runOnce(parent context.Context, item queuedJob) {
	attempt := item.attempt + 1
	runCtx := parent
	cancel := func() {}
	if item.job.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, item.job.AttemptTimeout)
	}
	err := item.job.Run(runCtx)
	cancel()
	if err == nil {
		q.completed.Add(1)
		return
	}
	if parent.Err() != nil {
		return
	}
	if attempt >= item.job.MaxRetries+1 {
		q.failed.Add(1)
		return
	}

	q.retried.Add(1)
	if item.job.RetryDelay > 0 {
		timer := time.NewTimer(item.job.RetryDelay)
		defer timer.Stop()
		select {
		case <-parent.Done():
			return
		case <-timer.C:
		}
	}
	select {
	case <-parent.Done():
	case q.jobs <- queuedJob{job: item.job, attempt: attempt}:
	}
}

func validateJob(job Job) error {
	if job.Run == nil {
		return errors.New("queue: job run callback is required")
	}
	if job.MaxRetries < 0 {
		return errors.New("queue: max retries cannot be negative")
	}
	if job.AttemptTimeout < 0 {
		return errors.New("queue: attempt timeout cannot be negative")
	}
	if job.RetryDelay < 0 {
		return errors.New("queue: retry delay cannot be negative")
	}
	return nil
}
