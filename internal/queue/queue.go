// Package queue is the in-process job queue feeding the background pipeline.
// Jobs are transient: they live only in memory and die with the process.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/storage"
)

// Job kinds.
const (
	KindUserTriggered  = "user_triggered"
	KindTimedTriggered = "timed_triggered"
)

// Job is one unit of background work. Turns is the conversation snapshot
// taken at enqueue time so the pipeline sees a stable window.
type Job struct {
	ID         string
	Kind       string
	EnqueuedAt time.Time
	Turns      []storage.Turn
}

// Handler processes one job. Errors are logged by the worker; a failed job
// is never retried as a whole (stages retry internally).
type Handler func(ctx context.Context, job Job) error

// Queue is an unbounded FIFO with a single consumer. Enqueue never blocks;
// Run processes jobs strictly in arrival order, one at a time.
type Queue struct {
	mu   sync.Mutex
	jobs []Job
	wake chan struct{}
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends a job and returns immediately.
func (q *Queue) Enqueue(kind string, turns []storage.Turn) Job {
	job := Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
		Turns:      turns,
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job
}

// Len returns the number of jobs waiting (not counting one in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

// Run is the single worker loop. It drains jobs in order until ctx is
// cancelled; the handler finishes its current job before the next starts.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	for {
		job, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if err := handler(ctx, job); err != nil {
			slog.Warn("job failed",
				"job_id", job.ID,
				"kind", job.Kind,
				"error", err,
			)
			continue
		}
		slog.Debug("job complete",
			"job_id", job.ID,
			"kind", job.Kind,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
