package taskqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName         = "continue-reasoning.taskqueue"
	defaultConcurrency = 3
	stopPollInterval   = 10 * time.Millisecond
)

// Queue dispatches jobs from a priority heap. Selection happens on a single
// dispatcher goroutine; each dispatched job runs on its own goroutine.
// Running jobs are tracked by submission sequence, not task id.
type Queue struct {
	mu          sync.Mutex
	pending     taskHeap
	pendingKind map[Kind]int
	running     map[uint64]*entry
	concurrency int
	seq         uint64
	paused      bool
	closed      bool

	wake           chan struct{}
	done           chan struct{}
	dispatcherDone chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc

	handlers map[EventType][]EventHandler
	eventMu  sync.RWMutex

	logger zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency sets the initial bound. Values below 1 become 1.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		q.concurrency = clampConcurrency(n)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates a queue and starts its dispatcher.
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pendingKind:    make(map[Kind]int),
		running:        make(map[uint64]*entry),
		concurrency:    defaultConcurrency,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		handlers:       make(map[EventType][]EventHandler),
		logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("component", "taskqueue").Logger()

	go q.dispatchLoop()

	return q
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// AddTask enqueues job and returns its Future. It never blocks on the job.
func (q *Queue) AddTask(ctx context.Context, job Job, priority int, kind Kind, opts ...TaskOption) *Future {
	if ctx == nil {
		ctx = context.Background()
	}

	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		id = q.newTaskID()
	}

	future := newFuture(id)
	if job == nil {
		future.settle(nil, ErrNilJob)
		return future
	}

	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		future.settle(nil, ErrQueueClosed)
		return future
	}
	q.seq++
	e := &entry{
		Task: Task{
			ID:        id,
			Priority:  priority,
			Kind:      kind,
			CreatedAt: time.Now(),
		},
		seq:    q.seq,
		job:    job,
		ctx:    ctx,
		future: future,
	}
	heap.Push(&q.pending, e)
	q.pendingKind[kind]++
	kindPending := q.pendingKind[kind]
	queueSize := q.pending.Len()
	q.mu.Unlock()

	logger.Debug().
		Str("taskId", id).
		Str("kind", kind.String()).
		Int("priority", priority).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(kind.String(), kindPending)

	q.emit(Event{
		Type:     EventEnqueued,
		TaskID:   id,
		Kind:     kind,
		Priority: priority,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	q.signal()
	return future
}

func (q *Queue) newTaskID() string {
	id, err := gonanoid.New()
	if err == nil {
		return id
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), q.seq+1)
}

// signal wakes the dispatcher. Signals coalesce while one is pending.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	defer close(q.dispatcherDone)

	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.dispatch()
		}
	}
}

// dispatch fills free slots with the highest-priority pending jobs.
func (q *Queue) dispatch() {
	q.mu.Lock()
	var started []*entry
	for !q.paused && !q.closed && len(q.running) < q.concurrency && q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		q.pendingKind[e.Kind]--
		q.running[e.seq] = e
		q.wg.Add(1)
		started = append(started, e)
	}
	running := len(q.running)
	kindPending := make(map[Kind]int, len(started))
	for _, e := range started {
		kindPending[e.Kind] = q.pendingKind[e.Kind]
	}
	q.mu.Unlock()

	for kind, n := range kindPending {
		observability.SetQueueSize(kind.String(), n)
	}
	for _, e := range started {
		observability.RecordQueueDispatch(e.Kind.String(), time.Since(e.CreatedAt), running)
		go q.execute(e)
	}
}

func (q *Queue) execute(e *entry) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(
		e.ctx,
		tracerName,
		"taskqueue.execute",
		attribute.String("task_id", e.ID),
		attribute.String("kind", e.Kind.String()),
		attribute.Int("priority", e.Priority),
	)
	logger := tracing.LoggerFromContext(ctx, q.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger.Debug().
		Str("taskId", e.ID).
		Str("kind", e.Kind.String()).
		Msg("Task started")

	q.emit(Event{Type: EventStarted, TaskID: e.ID, Kind: e.Kind, Priority: e.Priority})

	start := time.Now()
	value, err := runJob(runCtx, e.job)
	duration := time.Since(start)

	// settle before releasing the slot so Stop never returns ahead of a waiter
	e.future.settle(value, err)
	tracing.EndSpan(span, err)

	q.mu.Lock()
	delete(q.running, e.seq)
	running := len(q.running)
	q.mu.Unlock()

	if err != nil {
		logger.Warn().
			Str("taskId", e.ID).
			Str("kind", e.Kind.String()).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", e.ID).
			Str("kind", e.Kind.String()).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(e.Kind.String(), duration, err == nil, running)

	q.emit(Event{
		Type:     EventCompleted,
		TaskID:   e.ID,
		Kind:     e.Kind,
		Priority: e.Priority,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	q.signal()
}

// runJob converts a panic inside job into an error.
func runJob(ctx context.Context, job Job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("taskqueue: job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// SetConcurrency changes the bound. Running jobs are not affected.
func (q *Queue) SetConcurrency(n int) {
	n = clampConcurrency(n)

	q.mu.Lock()
	old := q.concurrency
	q.concurrency = n
	q.mu.Unlock()

	if old != n {
		q.logger.Info().Int("oldMax", old).Int("newMax", n).Msg("Queue concurrency updated")
	}
	q.signal()
}

func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// TaskCount returns the number of pending jobs.
func (q *Queue) TaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) RunningTaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// TaskStatus reports whether id is running, pending, or unknown to the queue.
// Settled tasks are unknown. Ids are not required to be unique; a running
// job with the id wins over a pending one.
func (q *Queue) TaskStatus(id string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.running {
		if e.ID == id {
			return StatusRunning
		}
	}
	for _, e := range q.pending {
		if e.ID == id {
			return StatusPending
		}
	}
	return StatusUnknown
}

// Tasks returns the pending tasks in dispatch order.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	snapshot := make(taskHeap, len(q.pending))
	copy(snapshot, q.pending)
	q.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Priority != snapshot[j].Priority {
			return snapshot[i].Priority > snapshot[j].Priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})

	tasks := make([]Task, len(snapshot))
	for i, e := range snapshot {
		tasks[i] = e.Task
	}
	return tasks
}

// ClearTasks drops pending jobs of the given kinds, or all pending jobs when
// no kind is given. Each dropped Future settles with ErrTaskCleared.
// Running jobs are not touched.
func (q *Queue) ClearTasks(kinds ...Kind) int {
	match := func(k Kind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}

	q.mu.Lock()
	var removed []*entry
	keep := q.pending[:0]
	for _, e := range q.pending {
		if match(e.Kind) {
			removed = append(removed, e)
			q.pendingKind[e.Kind]--
			continue
		}
		keep = append(keep, e)
	}
	for i := len(keep); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = keep
	for i, e := range q.pending {
		e.index = i
	}
	heap.Init(&q.pending)
	counts := make(map[Kind]int, len(q.pendingKind))
	for k, n := range q.pendingKind {
		counts[k] = n
	}
	q.mu.Unlock()

	for _, e := range removed {
		e.future.settle(nil, ErrTaskCleared)
	}
	for k, n := range counts {
		observability.SetQueueSize(k.String(), n)
	}
	if len(removed) > 0 {
		q.logger.Info().Int("cleared", len(removed)).Msg("Pending tasks cleared")
	}

	return len(removed)
}

// Start resumes dispatching after Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()

	q.signal()
}

// Stop halts dispatching and blocks until no job is running or ctx is done.
// Pending jobs stay queued until Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		if q.RunningTaskCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			q.logger.Warn().Int("running", q.RunningTaskCount()).Msg("Timeout waiting for running tasks")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the dispatcher, rejects pending jobs with ErrQueueClosed,
// cancels the context of running jobs and waits for them to return.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		pending := q.pending
		q.pending = nil
		q.pendingKind = make(map[Kind]int)
		q.mu.Unlock()

		close(q.done)
		<-q.dispatcherDone

		for _, e := range pending {
			e.future.settle(nil, ErrQueueClosed)
		}

		q.cancel()
		q.wg.Wait()
	})
	return nil
}
