// Package orchestrator runs jobs against remote services as a compensable
// sequence of steps: upload, dispatch, poll and resolve.
//
// Submit records the job, hands its execution to the async manager and returns
// a Handle at once. Execution runs on a manager worker; every change of the job
// goes through the store's Transition, and a failure after some steps completed
// runs their undo actions in reverse order.
package orchestrator

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/async"
	"fastsdk/internal/job"
	"fastsdk/internal/progress"
	"fastsdk/internal/remote"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetricsRecorder is an optional interface for recording orchestrator metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, service, endpoint string)
	RecordJobFinished(ctx context.Context, service, endpoint, state string, durationSeconds float64)
	RecordStepRetry(ctx context.Context, step string)
	RecordCompensation(ctx context.Context, step string, success bool)
	RecordCallbackPanic(ctx context.Context)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     *job.Store              // required
	Manager   *async.Manager          // required
	Gateway   remote.Gateway          // required
	Endpoints remote.EndpointResolver // required
	Uploader  remote.Uploader         // optional; nil sends every payload inline
	Sink      progress.Sink           // optional
	Metrics   MetricsRecorder         // optional
}

// Orchestrator executes jobs. It holds references into the store and the
// manager and never owns job state itself.
type Orchestrator struct {
	store     *job.Store
	manager   *async.Manager
	gateway   remote.Gateway
	endpoints remote.EndpointResolver
	uploader  remote.Uploader
	sink      progress.Sink
	metrics   MetricsRecorder
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	running map[string]*async.Job
}

// New creates an orchestrator and subscribes it to store transitions.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Manager == nil:
		return nil, fmt.Errorf("async manager is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("gateway is required")
	case deps.Endpoints == nil:
		return nil, fmt.Errorf("endpoint resolver is required")
	}
	if deps.Sink == nil {
		deps.Sink = progress.Nop{}
	}

	o := &Orchestrator{
		store:     deps.Store,
		manager:   deps.Manager,
		gateway:   deps.Gateway,
		endpoints: deps.Endpoints,
		uploader:  deps.Uploader,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		config:    cfg.withDefaults(),
		logger:    slog.With("component", "orchestrator"),
		watches:   make(map[string]*watch),
		running:   make(map[string]*async.Job),
	}
	o.store.Observe(o.onTransition)
	return o, nil
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id      string
	timeout time.Duration
	delay   time.Duration
}

// WithJobID uses id instead of a generated one. A taken id fails with a conflict.
func WithJobID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithTimeout sets the overall deadline of the job, measured from submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithDelay postpones execution. The wait counts against the deadline.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// Submit creates a job and schedules it. It never waits for execution.
func (o *Orchestrator) Submit(ctx context.Context, serviceRef, endpointRef string, params job.Params, opts ...SubmitOption) (*Handle, error) {
	if serviceRef == "" {
		return nil, apperrors.Validation("service", "service is required")
	}
	if endpointRef == "" {
		return nil, apperrors.Validation("endpoint", "endpoint is required")
	}
	if params == nil {
		return nil, apperrors.Validation("params", "params are required")
	}

	endpoint, err := o.endpoints.Endpoint(serviceRef, endpointRef)
	if err != nil {
		return nil, err
	}
	if err := endpoint.Validate(params); err != nil {
		return nil, err
	}

	so := submitOptions{timeout: endpoint.Timeout}
	for _, opt := range opts {
		opt(&so)
	}
	if so.id == "" {
		so.id = uuid.NewString()
	}
	if so.timeout <= 0 {
		so.timeout = o.config.DefaultTimeout
	}

	j := job.New(so.id, serviceRef, endpointRef, params, time.Now().Add(so.timeout))

	// The watch must exist before the first transition is observed.
	w := o.addWatch(j.ID)
	if err := o.store.Create(j); err != nil {
		o.dropWatch(j.ID, w)
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordJobSubmitted(ctx, serviceRef, endpointRef)
	}

	logger := o.logger.With("jobId", j.ID, "service", serviceRef, "endpoint", endpointRef)
	asyncID := uuid.NewString()
	if _, err := o.store.Transition(j.ID, job.StateCreated, job.StateSubmitted, func(j *job.Job) {
		j.AsyncJobID = asyncID
	}); err != nil {
		// Only a concurrent cancel can win here; the job is already settled.
		logger.Info("Job cancelled before submission", "error", err)
		return &Handle{id: j.ID, o: o}, nil
	}

	r := &run{
		jobID:    j.ID,
		endpoint: endpoint,
		deadline: j.Deadline,
		timeout:  so.timeout,
		steps:    job.NewSteps(),
		logger:   logger,
	}
	aj, err := o.manager.Submit(func(ctx context.Context) (any, error) {
		return o.execute(ctx, r)
	}, async.WithID(asyncID), async.WithDelay(so.delay))
	if err != nil {
		logger.Warn("Job rejected by scheduler", "error", err)
		_, _ = o.store.Transition(j.ID, job.StateSubmitted, job.StateFailed, func(j *job.Job) {
			j.Err = apperrors.Internal("orchestrator.submit", err)
		})
		return &Handle{id: j.ID, o: o}, nil
	}

	o.mu.Lock()
	o.running[j.ID] = aj
	o.mu.Unlock()
	aj.OnComplete(func(aj *async.Job) { o.onExecutionFinished(j.ID, aj) })

	// A Cancel that landed before the registration above could not reach aj.
	if snap, err := o.store.Get(j.ID); err == nil && (snap.State == job.StateCancelling || snap.State == job.StateCancelled) {
		o.manager.Cancel(aj)
	}

	logger.Info("Job submitted", "timeout", so.timeout)
	return &Handle{id: j.ID, o: o}, nil
}

// Handle returns a handle for an existing job.
func (o *Orchestrator) Handle(jobID string) (*Handle, error) {
	if _, err := o.store.Get(jobID); err != nil {
		return nil, err
	}
	return &Handle{id: jobID, o: o}, nil
}

// Get returns a snapshot of the job.
func (o *Orchestrator) Get(jobID string) (*job.Job, error) {
	return o.store.Get(jobID)
}

// List returns snapshots of all jobs, or of the jobs in state when it is set.
func (o *Orchestrator) List(state job.State) []*job.Job {
	if state == "" {
		return o.store.List()
	}
	return o.store.ListByState(state)
}

// Cancel requests cancellation of a job. Cancelling a job that is already
// cancelling or cancelled is a no-op; other settled jobs fail with a StateError.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	for {
		snap, err := o.store.Get(jobID)
		if err != nil {
			return err
		}
		switch {
		case snap.State == job.StateCancelling || snap.State == job.StateCancelled:
			return nil
		case !snap.State.Cancellable():
			return apperrors.State("job", jobID, fmt.Sprintf("cannot cancel job in state %s", snap.State))
		}

		if _, err := o.store.Transition(jobID, snap.State, job.StateCancelling, nil); err != nil {
			if errors.Is(err, apperrors.ErrState) {
				continue // moved underneath us; look again
			}
			return err
		}

		o.logger.Info("Job cancellation requested", "jobId", jobID, "state", snap.State)
		if snap.State == job.StateCreated || snap.State == job.StateSubmitted {
			// Execution has not started and can no longer start.
			o.settleCancelled(jobID, nil)
		}
		if aj := o.execution(jobID); aj != nil {
			o.manager.Cancel(aj)
		}
		return nil
	}
}

// Evict removes a settled job and its bookkeeping.
func (o *Orchestrator) Evict(jobID string) error {
	if err := o.store.Evict(jobID); err != nil {
		return err
	}
	o.forget(jobID)
	return nil
}

// RunJanitor evicts settled jobs older than the retention period until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	evicted := o.store.Sweep(o.config.Retention)
	for _, id := range evicted {
		o.forget(id)
	}
	if len(evicted) > 0 {
		o.logger.Info("Evicted expired jobs", "count", len(evicted), "retention", o.config.Retention)
	}
}

// Ready reports whether new jobs can be scheduled.
func (o *Orchestrator) Ready(ctx context.Context) error {
	return o.manager.Ready(ctx)
}

func (o *Orchestrator) execution(jobID string) *async.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[jobID]
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.watches, jobID)
	delete(o.running, jobID)
}

// onExecutionFinished guarantees that every job settles, whatever happened to
// its computation: a panic, or a cancellation that landed before it started.
func (o *Orchestrator) onExecutionFinished(jobID string, aj *async.Job) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()

	snap, err := o.store.Get(jobID)
	if err != nil || snap.Done() {
		return
	}

	_, execErr := aj.Result()
	if execErr == nil {
		execErr = fmt.Errorf("execution ended with job in state %s", snap.State)
	}
	o.logger.Error("Job left unsettled by its execution", "jobId", jobID, "state", snap.State, "error", execErr)

	switch {
	case snap.State == job.StateCancelling:
		o.settleCancelled(jobID, nil)
	case snap.State == job.StateSubmitted && errors.Is(execErr, apperrors.ErrCancelled):
		if _, err := o.store.Transition(jobID, job.StateSubmitted, job.StateCancelling, nil); err == nil {
			o.settleCancelled(jobID, nil)
		}
	case snap.State == job.StateFailed:
		_, _ = o.store.Transition(jobID, job.StateFailed, job.StateCompensating, nil)
		o.forceFailed(jobID, job.StateCompensating, execErr)
	default:
		o.forceFailed(jobID, snap.State, execErr)
	}
}

func (o *Orchestrator) forceFailed(jobID string, from job.State, cause error) {
	_, _ = o.store.Transition(jobID, from, job.StateFailed, func(j *job.Job) {
		if j.Err == nil {
			j.Err = apperrors.Internal("orchestrator.execute", cause)
		}
		j.Result = nil
		j.CompensationPending = false
	})
}

// settleCancelled moves a cancelling job to cancelled.
func (o *Orchestrator) settleCancelled(jobID string, sync func(*job.Job)) {
	_, err := o.store.Transition(jobID, job.StateCancelling, job.StateCancelled, func(j *job.Job) {
		if sync != nil {
			sync(j)
		}
		j.Result = nil
		j.Err = apperrors.Cancelled("job", jobID)
	})
	if err != nil && !errors.Is(err, apperrors.ErrState) {
		o.logger.Warn("Failed to settle cancelled job", "jobId", jobID, "error", err)
	}
}

// onTransition runs for every transition, in order per job, after the job's
// record is unlocked.
func (o *Orchestrator) onTransition(previous job.State, snap *job.Job) {
	ctx := context.Background()
	o.sink.Report(ctx, progress.NewUpdate(previous, snap))

	if snap.Done() && o.metrics != nil {
		o.metrics.RecordJobFinished(ctx, snap.ServiceRef, snap.EndpointRef, string(snap.State), snap.FinishedAt.Sub(snap.CreatedAt).Seconds())
	}

	o.mu.Lock()
	w := o.watches[snap.ID]
	o.mu.Unlock()
	if w != nil {
		w.notify(snap, o.onCallbackPanic)
	}
}

func (o *Orchestrator) onCallbackPanic(jobID string, recovered any, stack []byte) {
	o.logger.Error("Job subscriber panicked", "jobId", jobID, "panic", recovered, "stack", string(stack))
	if o.metrics != nil {
		o.metrics.RecordCallbackPanic(context.Background())
	}
}

func (o *Orchestrator) addWatch(jobID string) *watch {
	w := newWatch(jobID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.watches[jobID]; ok {
		return existing
	}
	o.watches[jobID] = w
	return w
}

func (o *Orchestrator) dropWatch(jobID string, w *watch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.watches[jobID] == w {
		// Keep the watch of an existing job with the same id.
		if _, err := o.store.Get(jobID); err != nil {
			delete(o.watches, jobID)
		}
	}
}

func (o *Orchestrator) watchFor(jobID string) *watch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watches[jobID]
}
