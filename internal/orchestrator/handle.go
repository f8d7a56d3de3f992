package orchestrator

import (
	"context"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/job"
	"runtime/debug"
	"sync"
	"time"
)

// Handle is the caller's view of one job. All reads go through the store,
// so a Handle never holds stale state.
type Handle struct {
	id string
	o  *Orchestrator
}

// ID returns the job id.
func (h *Handle) ID() string { return h.id }

// Snapshot returns a copy of the job.
func (h *Handle) Snapshot() (*job.Job, error) {
	return h.o.store.Get(h.id)
}

// Status returns the current state.
func (h *Handle) Status() (job.State, error) {
	snap, err := h.o.store.Get(h.id)
	if err != nil {
		return "", err
	}
	return snap.State, nil
}

// Progress returns the latest reported progress.
func (h *Handle) Progress() (job.Progress, error) {
	snap, err := h.o.store.Get(h.id)
	if err != nil {
		return job.Progress{}, err
	}
	return snap.Progress, nil
}

// Result blocks until the job settles and returns its result or terminal error.
// A timeout of 0 waits until ctx is done. Timing out returns a TimeoutError
// and does not cancel the job.
func (h *Handle) Result(ctx context.Context, timeout time.Duration) (any, error) {
	snap, err := h.o.store.Get(h.id)
	if err != nil {
		return nil, err
	}
	if snap.Done() {
		return snap.Outcome()
	}

	w := h.o.watchFor(h.id)
	if w == nil {
		return nil, apperrors.NotFound("job", h.id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.done:
	case <-expired:
		return nil, apperrors.Timeout("job.result", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	snap, err = h.o.store.Get(h.id)
	if err != nil {
		return nil, err
	}
	return snap.Outcome()
}

// Subscribe registers fn for every transition of the job, including in-place
// progress updates. fn receives a copy and runs on a goroutine driving the
// job, so it must not block. It may call Cancel. The returned function
// unsubscribes.
func (h *Handle) Subscribe(fn func(*job.Job)) (func(), error) {
	w := h.o.watchFor(h.id)
	if w == nil {
		return nil, apperrors.NotFound("job", h.id)
	}
	return w.subscribe(fn), nil
}

// Cancel requests cancellation of the job.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.o.Cancel(ctx, h.id)
}

// watch fans out transitions of one job and signals when it settles.
type watch struct {
	jobID string
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	next   int
	subs   map[int]func(*job.Job)
}

func newWatch(jobID string) *watch {
	return &watch{
		jobID: jobID,
		done:  make(chan struct{}),
		subs:  make(map[int]func(*job.Job)),
	}
}

func (w *watch) subscribe(fn func(*job.Job)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs, id)
		})
	}
}

func (w *watch) notify(snap *job.Job, onPanic func(jobID string, recovered any, stack []byte)) {
	w.mu.Lock()
	subs := make([]func(*job.Job), 0, len(w.subs))
	for i := 0; i < w.next; i++ {
		if fn, ok := w.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	settle := snap.Done() && !w.closed
	if settle {
		w.closed = true
	}
	w.mu.Unlock()

	for _, fn := range subs {
		invoke(fn, snap.Clone(), w.jobID, onPanic)
	}
	if settle {
		close(w.done)
	}
}

func invoke(fn func(*job.Job), snap *job.Job, jobID string, onPanic func(string, any, []byte)) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(jobID, r, debug.Stack())
		}
	}()
	fn(snap)
}
