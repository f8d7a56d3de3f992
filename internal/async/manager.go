package async

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/pkg/backoff"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Submit.
var (
	ErrQueueFull = errors.New("async queue is full")
	ErrClosed    = errors.New("async manager is closed")
)

// MetricsRecorder is an optional interface for recording async manager metrics.
type MetricsRecorder interface {
	RecordAsyncJobFinished(ctx context.Context, status string, durationSeconds float64)
	RecordAsyncQueueSize(ctx context.Context, size int64)
}

// Stats holds manager counters.
type Stats struct {
	QueueDepth int   `json:"queueDepth"`
	Running    int64 `json:"running"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Rejected   int64 `json:"rejected"`
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id    string
	delay time.Duration
}

// WithID sets the job id instead of generating one.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithDelay postpones the start of the computation. The wait observes cancellation.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// Manager runs computations on a fixed pool of worker goroutines.
// Submissions go through a bounded channel and never block the caller.
type Manager struct {
	queue   chan *Job
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	// base is the parent of every job context; cancelling it interrupts all work.
	base       context.Context
	cancelBase context.CancelFunc

	running   atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	// mu orders submissions against Close: Submit holds it shared across the
	// closed check and the enqueue, Close takes it exclusively to flip closed.
	mu     sync.RWMutex
	closed atomic.Bool
}

// NewManager creates a manager and starts its workers.
func NewManager(cfg Config, metrics MetricsRecorder) *Manager {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())

	m := &Manager{
		queue:      make(chan *Job, cfg.QueueSize),
		config:     cfg,
		logger:     slog.With("component", "async"),
		metrics:    metrics,
		base:       base,
		cancelBase: cancel,
		shutdown:   make(chan struct{}),
	}

	m.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go m.worker()
	}

	if metrics != nil {
		go m.reportQueueSize()
	}

	m.logger.Info("Async manager started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return m
}

// Submit schedules compute and returns its handle immediately.
func (m *Manager) Submit(compute Computation, opts ...SubmitOption) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	j := newJob(m.base, o.id, compute, o.delay)
	select {
	case m.queue <- j:
		m.submitted.Add(1)
		return j, nil
	default:
		m.rejected.Add(1)
		m.logger.Warn("Computation rejected, queue full", "asyncJobId", j.id, "queue", cap(m.queue))
		j.cancel()
		return nil, ErrQueueFull
	}
}

// Await blocks until j finishes, ctx is done, or timeout elapses (0 waits forever).
// A timeout returns a TimeoutError and leaves the job running.
func (m *Manager) Await(ctx context.Context, j *Job, timeout time.Duration) (any, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-j.Done():
		return j.Result()
	case <-expired:
		return nil, apperrors.Timeout("async.await", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A job that has not started is
// resolved as cancelled at once; a running one is signalled through its context.
func (m *Manager) Cancel(j *Job) {
	if j.cancelPending() {
		m.cancelled.Add(1)
		m.record(j, StatusCancelled)
		return
	}
	j.cancel()
}

// Ready reports an error once the manager stops accepting work.
func (m *Manager) Ready(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		QueueDepth: len(m.queue),
		Running:    m.running.Load(),
		Submitted:  m.submitted.Load(),
		Completed:  m.completed.Load(),
		Failed:     m.failed.Load(),
		Cancelled:  m.cancelled.Load(),
		Rejected:   m.rejected.Load(),
	}
}

// Close stops accepting work and waits for queued and running computations.
// When ctx expires first, every remaining computation is cancelled and Close
// returns ctx.Err() once the workers have exited.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	wasClosed := m.closed.Swap(true)
	m.mu.Unlock()
	if wasClosed {
		return nil
	}

	m.logger.Info("Async manager shutting down", "queued", len(m.queue), "running", m.running.Load())
	close(m.shutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancelBase()
		m.cancelLeftovers()
		m.logger.Info("Async manager shutdown complete",
			"completed", m.completed.Load(),
			"failed", m.failed.Load(),
			"cancelled", m.cancelled.Load(),
		)
		return nil
	case <-ctx.Done():
		m.logger.Warn("Async manager shutdown timed out, cancelling remaining work", "running", m.running.Load())
		m.cancelBase()
		<-done
		m.cancelLeftovers()
		return ctx.Err()
	}
}

// cancelLeftovers resolves jobs that raced into the queue after the workers exited.
func (m *Manager) cancelLeftovers() {
	for {
		select {
		case j := <-m.queue:
			m.Cancel(j)
		default:
			return
		}
	}
}

func (m *Manager) reportQueueSize() {
	ticker := time.NewTicker(queueReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.metrics.RecordAsyncQueueSize(context.Background(), int64(len(m.queue)))
		}
	}
}

// worker runs computations from the queue.
func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			m.drainQueue()
			return
		case j := <-m.queue:
			m.execute(j)
		}
	}
}

// drainQueue runs remaining computations after the shutdown signal.
func (m *Manager) drainQueue() {
	for {
		select {
		case j := <-m.queue:
			m.execute(j)
		default:
			return
		}
	}
}

func (m *Manager) execute(j *Job) {
	if j.ctx.Err() != nil {
		m.Cancel(j)
		return
	}
	if !j.start() {
		return // cancelled while queued
	}

	m.running.Add(1)
	defer m.running.Add(-1)

	if err := backoff.Wait(j.ctx, j.delay); err != nil {
		m.finish(j, nil, err)
		return
	}

	result, err := m.run(j)
	m.finish(j, result, err)
}

// run invokes the computation, converting a panic into an error.
func (m *Manager) run(j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("Computation panicked", "panic", r, "stack", string(debug.Stack()))
			err = apperrors.Internal("async.run", fmt.Errorf("panic: %v", r))
		}
	}()
	return j.compute(j.ctx)
}

func (m *Manager) finish(j *Job, result any, err error) {
	status := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrCancelled):
		status = StatusCancelled
	case j.ctx.Err() != nil && errors.Is(err, context.Canceled):
		status = StatusCancelled
		err = apperrors.Cancelled("async job", j.id)
	default:
		status = StatusFailed
	}

	if !j.resolve(status, result, err) {
		return
	}
	switch status {
	case StatusCompleted:
		m.completed.Add(1)
	case StatusFailed:
		m.failed.Add(1)
	case StatusCancelled:
		m.cancelled.Add(1)
	}
	m.record(j, status)
}

func (m *Manager) record(j *Job, status Status) {
	if m.metrics != nil {
		m.metrics.RecordAsyncJobFinished(context.Background(), string(status), j.ExecutionTime().Seconds())
	}
}
