// Package async runs computations on a bounded worker pool and exposes each
// one as a Job handle that resolves exactly once.
package async

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Computation is the unit of work run by the Manager.
// ctx is cancelled when cancellation is requested; computations should check it
// at their suspend points and return ctx.Err() to finish as cancelled.
type Computation func(ctx context.Context) (any, error)

// Callback is invoked once when a Job reaches a terminal status.
type Callback func(*Job)

// Status is the lifecycle position of a Job.
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrNotFinished is returned by Result while the job is still pending or running.
var ErrNotFinished = errors.New("async job has not finished")

// Job is a handle to a computation submitted to a Manager.
type Job struct {
	id      string
	compute Computation
	delay   time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	mu         sync.Mutex
	status     Status
	result     any
	err        error
	callbacks  []Callback
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func newJob(parent context.Context, id string, compute Computation, delay time.Duration) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		id:        id,
		compute:   compute,
		delay:     delay,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    slog.With("component", "async", "asyncJobId", id),
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the outcome of a finished job, or ErrNotFinished.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Terminal() {
		return nil, ErrNotFinished
	}
	return j.result, j.err
}

// ExecutionTime returns how long the computation ran, or has been running.
func (j *Job) ExecutionTime() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.startedAt.IsZero():
		return 0
	case j.finishedAt.IsZero():
		return time.Since(j.startedAt)
	default:
		return j.finishedAt.Sub(j.startedAt)
	}
}

// OnComplete registers cb to run when the job finishes. Callbacks normally run
// on the worker goroutine that resolved the job; one registered after the job
// finished runs immediately on the caller's goroutine.
func (j *Job) OnComplete(cb Callback) {
	j.mu.Lock()
	if !j.status.Terminal() {
		j.callbacks = append(j.callbacks, cb)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	j.invoke(cb)
}

// start marks the job running. It fails if the job already left pending.
func (j *Job) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return false
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	return true
}

// cancelPending resolves a job that has not started yet.
func (j *Job) cancelPending() bool {
	return j.finish(true, StatusCancelled, nil, apperrors.Cancelled("async job", j.id))
}

// resolve sets the terminal outcome exactly once and runs the callbacks.
func (j *Job) resolve(status Status, result any, err error) bool {
	return j.finish(false, status, result, err)
}

func (j *Job) finish(onlyPending bool, status Status, result any, err error) bool {
	j.mu.Lock()
	if j.status.Terminal() || (onlyPending && j.status != StatusPending) {
		j.mu.Unlock()
		return false
	}
	j.status = status
	j.result = result
	j.err = err
	j.finishedAt = time.Now()
	callbacks := j.callbacks
	j.callbacks = nil
	close(j.done)
	j.mu.Unlock()

	j.cancel()
	for _, cb := range callbacks {
		j.invoke(cb)
	}
	return true
}

func (j *Job) invoke(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("Completion callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	cb(j)
}
