// Package taskqueue runs asynchronous jobs ordered by priority under a
// concurrency bound.
//
// Invariants:
// - Higher-priority pending jobs are dispatched first; equal priorities keep submission order.
// - At most Concurrency() jobs run at once. A new bound applies on the next dispatch cycle.
// - Every Future settles exactly once, with the job's own outcome or a queue error.
// - A failing or panicking job only affects its own Future.
//
// Usage:
//
//	q := taskqueue.New(taskqueue.WithConcurrency(2))
//	defer q.Close()
//	f := q.AddTask(ctx, func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, 5, taskqueue.KindCustom)
//	v, err := f.Wait(ctx)
package taskqueue
