package images

import (
	"context"
	"sync"
)

// buildCall is one in-flight build that callers for the same ref share.
type buildCall struct {
	done chan struct{}
	img  *Image
	err  error
}

// BuildQueue limits concurrent builds and collapses builds of the same image
// ref into one: later callers wait for the running build and share its result.
type BuildQueue struct {
	maxConcurrent int
	slots         chan struct{}
	active        map[string]*buildCall // ref -> running build
	pending       int
	mu            sync.Mutex
}

// NewBuildQueue creates a new build queue with max concurrent limit
func NewBuildQueue(maxConcurrent int) *BuildQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BuildQueue{
		maxConcurrent: maxConcurrent,
		slots:         make(chan struct{}, maxConcurrent),
		active:        make(map[string]*buildCall),
	}
}

// Do runs fn for ref once a slot is free. shared reports whether the result
// came from a build started by another caller.
func (q *BuildQueue) Do(ctx context.Context, ref string, fn func(context.Context) (*Image, error)) (img *Image, shared bool, err error) {
	q.mu.Lock()
	if call, ok := q.active[ref]; ok {
		q.mu.Unlock()
		select {
		case <-call.done:
			return call.img, true, call.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}
	call := &buildCall{done: make(chan struct{})}
	q.active[ref] = call
	q.pending++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.active, ref)
		q.mu.Unlock()
		close(call.done)
	}()

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		call.err = ctx.Err()
		return nil, false, call.err
	}
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
	defer func() { <-q.slots }()

	call.img, call.err = fn(ctx)
	return call.img, false, call.err
}

// ActiveCount returns number of actively building images
func (q *BuildQueue) ActiveCount() int {
	return len(q.slots)
}

// PendingCount returns number of builds waiting for a slot
func (q *BuildQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
