package worker

import (
	"context"
	"sync"
	"time"

	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/jobs"
)

// decoded is a claimed job whose audio is ready for inference.
type decoded struct {
	job  jobs.Claimed
	clip audio.Clip
}

// decodedQueue is the bounded hand-off between decode and inference
// workers. Producers block while it holds target items; consumers block
// while it is empty. Both sides wait on generation-counted signals.
type decodedQueue struct {
	mu       sync.Mutex
	items    []decoded
	target   int
	closed   bool
	notEmpty *jobs.Signal
	notFull  *jobs.Signal
}

func newDecodedQueue(target int) *decodedQueue {
	return &decodedQueue{
		target:   max(target, 1),
		notEmpty: jobs.NewSignal(),
		notFull:  jobs.NewSignal(),
	}
}

// push appends item, waiting for room. It reports false without queueing
// when the queue is closed or ctx ends. onFull is called once if push has
// to wait.
func (q *decodedQueue) push(ctx context.Context, item decoded, poll time.Duration, onFull func()) bool {
	w := q.notFull.Waiter()
	waited := false
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		if len(q.items) < q.target {
			q.items = append(q.items, item)
			q.mu.Unlock()
			q.notEmpty.Notify()
			return true
		}
		q.mu.Unlock()

		if !waited && onFull != nil {
			onFull()
		}
		waited = true
		w.Wait(ctx, poll)
		if ctx.Err() != nil {
			return false
		}
	}
}

// popBatch removes up to n items. When the queue is empty it waits up to
// wait for a producer. An empty result with ok=false means the queue is
// closed and drained.
func (q *decodedQueue) popBatch(ctx context.Context, n int, wait time.Duration) (batch []decoded, ok bool) {
	w := q.notEmpty.Waiter()
	for attempt := 0; ; attempt++ {
		q.mu.Lock()
		if len(q.items) > 0 {
			k := min(n, len(q.items))
			batch = append(batch, q.items[:k]...)
			q.items = q.items[k:]
			q.mu.Unlock()
			q.notFull.Notify()
			return batch, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		if attempt > 0 || ctx.Err() != nil {
			return nil, true
		}
		w.Wait(ctx, wait)
	}
}

// close stops producers, wakes every waiter and returns whatever was still
// queued.
func (q *decodedQueue) close() []decoded {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Notify()
	q.notFull.Notify()
	return rest
}

func (q *decodedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
