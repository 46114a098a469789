package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by [Queue.Start] when every slot is taken.
	ErrQueueFull = errors.New("session limit reached")

	// ErrShutdown is returned by [Queue.Start] once shutdown has begun.
	ErrShutdown = errors.New("relay shutting down")
)

// WorkFunc is the body of a queued session.
type WorkFunc func(ctx context.Context) error

// Queue runs sessions concurrently up to a fixed limit. A finished
// session's outcome lives only on its [Result].
type Queue struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	sem      chan struct{}
	shutdown bool
	running  map[*Result]struct{}
}

// NewQueue returns a Queue admitting maxConcurrent sessions at once.
// If maxConcurrent <= 0, concurrency is unlimited.
func NewQueue(maxConcurrent int) *Queue {
	q := &Queue{running: make(map[*Result]struct{})}
	if maxConcurrent > 0 {
		q.sem = make(chan struct{}, maxConcurrent)
	}
	return q
}

// Start claims a slot and runs fn in its own goroutine. It never waits
// for a slot: a full queue fails with ErrQueueFull.
func (q *Queue) Start(ctx context.Context, fn WorkFunc) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return nil, ErrShutdown
	}

	if q.sem != nil {
		select {
		case q.sem <- struct{}{}:
		default:
			return nil, ErrQueueFull
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Result{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.running[r] = struct{}{}

	q.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			q.release(r)
			close(r.done)
			q.wg.Done()
		}()

		r.err = fn(ctx)
	}()

	return r, nil
}

// Active reports the number of running sessions.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.running)
}

// Shutdown refuses new sessions, cancels the running ones and waits for
// them to return or for ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shutdown = true
	for r := range q.running {
		r.cancel()
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) release(r *Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, r)
	if q.sem != nil {
		<-q.sem
	}
}

// Result tracks one queued session.
type Result struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done returns a channel closed once the session returns.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err blocks until the session returns and reports its error.
func (r *Result) Err() error {
	<-r.done
	return r.err
}

// Cancel cancels the session's context.
func (r *Result) Cancel() {
	r.cancel()
}
