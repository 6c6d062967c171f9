package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNilJob      = errors.New("taskqueue: nil job")
	ErrTaskCleared = errors.New("taskqueue: task cleared before dispatch")
	ErrQueueClosed = errors.New("taskqueue: queue closed")
)

// Kind labels what a job does. The queue itself treats all kinds alike.
type Kind int

const (
	KindProcessStep Kind = iota
	KindToolCall
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindProcessStep:
		return "processStep"
	case KindToolCall:
		return "toolCall"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Status is the queue's view of a task id.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusUnknown Status = "unknown"
)

// Job is the unit of work submitted to the queue.
type Job func(ctx context.Context) (interface{}, error)

// Task is a read-only snapshot of a pending or running job.
type Task struct {
	ID        string
	Priority  int
	Kind      Kind
	CreatedAt time.Time
}

// Future is the pending outcome of a submitted job.
type Future struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value interface{}
	err   error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) settle(value interface{}, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// ID returns the task id the future belongs to.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job settles or ctx is done. Giving up on the wait
// does not cancel the job.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type taskOptions struct {
	id string
}

// TaskOption customises a single AddTask call.
type TaskOption func(*taskOptions)

// WithTaskID sets the task id instead of generating one.
func WithTaskID(id string) TaskOption {
	return func(o *taskOptions) {
		o.id = id
	}
}

// entry is a queued job plus its bookkeeping.
type entry struct {
	Task
	seq    uint64
	job    Job
	ctx    context.Context
	future *Future
	index  int
}

// taskHeap orders entries by priority descending, then submission order.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
