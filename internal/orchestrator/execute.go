package orchestrator

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/job"
	"fastsdk/internal/remote"
	"fastsdk/pkg/backoff"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// errHalted reports that execution stopped at a suspend point because the
// job was cancelled or ran out of time.
var errHalted = errors.New("execution halted")

// run is the execution state of one job. It is owned by the goroutine running
// execute; the store only ever receives copies of it.
type run struct {
	jobID    string
	endpoint remote.Endpoint
	deadline time.Time
	timeout  time.Duration
	logger   *slog.Logger

	steps  []job.Step
	params job.Params // as dispatched, with uploaded payloads replaced by references
	refs   []string
	handle remote.Handle
	undo   []compensation
}

// compensation undoes one completed step.
type compensation struct {
	step job.StepName
	fn   func(ctx context.Context) error
}

func (r *run) step(name job.StepName) *job.Step {
	for i := range r.steps {
		if r.steps[i].Name == name {
			return &r.steps[i]
		}
	}
	return nil
}

func (r *run) syncSteps(j *job.Job) {
	j.Steps = slices.Clone(r.steps)
}

// execute runs the step sequence of one job. ctx is cancelled when the job is
// cancelled; the deadline is layered on top of it.
func (o *Orchestrator) execute(ctx context.Context, r *run) (any, error) {
	stop, cancel := context.WithDeadline(ctx, r.deadline)
	defer cancel()

	started, err := o.store.Transition(r.jobID, job.StateSubmitted, job.StateDispatching, func(j *job.Job) {
		j.StartedAt = time.Now()
	})
	if err != nil {
		// Cancelled before it started; nothing ran.
		r.logger.Debug("Job not started", "error", err)
		return nil, apperrors.Cancelled("job", r.jobID)
	}
	r.params = started.Params
	r.logger.Debug("Job started")

	result, err := o.runSteps(stop, r)
	if err == nil {
		r.logger.Info("Job succeeded", "duration", time.Since(started.StartedAt))
		return result, nil
	}

	return nil, o.settle(stop, r, err)
}

func (o *Orchestrator) runSteps(stop context.Context, r *run) (any, error) {
	if err := o.runStep(stop, r, job.StateDispatching, job.StepUpload, o.upload(r), func(j *job.Job) {
		j.UploadRefs = slices.Clone(r.refs)
	}); err != nil {
		return nil, err
	}
	if err := o.runStep(stop, r, job.StateDispatching, job.StepDispatch, o.dispatch(r), func(j *job.Job) {
		j.RemoteID = r.handle.ID
	}); err != nil {
		return nil, err
	}

	if err := halted(stop); err != nil {
		return nil, err
	}
	if _, err := o.store.Transition(r.jobID, job.StateDispatching, job.StatePolling, r.syncSteps); err != nil {
		return nil, err
	}

	status, err := o.poll(stop, r)
	if err != nil {
		return nil, err
	}
	return o.resolve(r, status)
}

// runStep runs fn with transient-failure retries and records the outcome.
// Cancellation and the deadline are checked before the step starts.
func (o *Orchestrator) runStep(stop context.Context, r *run, state job.State, name job.StepName, fn func(ctx context.Context) error, sync func(*job.Job)) error {
	if err := halted(stop); err != nil {
		return err
	}

	step := r.step(name)
	err := o.retry(stop, r, step, fn)
	if err != nil {
		if !errors.Is(err, errHalted) {
			step.Status = job.StepFailed
			step.Error = err.Error()
			r.logger.Warn("Step failed", "step", name, "attempts", step.Attempts, "error", err)
		}
		return err
	}
	step.Status = job.StepDone

	_, err = o.store.Transition(r.jobID, state, state, func(j *job.Job) {
		r.syncSteps(j)
		if sync != nil {
			sync(j)
		}
	})
	return err
}

// retry calls fn until it succeeds, fails permanently, or runs out of attempts.
// fn receives a context that is never cancelled so in-flight calls complete.
func (o *Orchestrator) retry(stop context.Context, r *run, step *job.Step, fn func(ctx context.Context) error) error {
	ctx := context.WithoutCancel(stop)

	var err error
	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoff.Exponential(attempt-1, &o.config.RetryBackoff)
			r.logger.Debug("Retrying step", "step", step.Name, "attempt", attempt, "backoff", wait, "error", err)
			if o.metrics != nil {
				o.metrics.RecordStepRetry(ctx, string(step.Name))
			}
			if backoff.Wait(stop, wait) != nil {
				return errHalted
			}
		}

		step.Attempts++
		err = fn(ctx)
		if err == nil || !apperrors.IsTransient(err) {
			return err
		}
	}
	return err
}

// upload replaces payloads above the threshold with storage references.
func (o *Orchestrator) upload(r *run) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if o.uploader == nil {
			return nil
		}

		params := r.params.Clone()
		var refs []string
		for _, name := range params.Names() {
			data, ok := job.PayloadBytes(params[name])
			if !ok || int64(len(data)) <= o.config.UploadThreshold {
				continue
			}
			ref, err := o.uploader.Upload(ctx, r.jobID+"-"+name, data)
			if err != nil {
				o.rollbackUploads(ctx, r, refs)
				return err
			}
			r.logger.Debug("Uploaded parameter", "param", name, "ref", ref)
			refs = append(refs, ref)
			params[name] = ref
		}

		r.params = params
		r.refs = refs
		if len(refs) > 0 {
			r.step(job.StepUpload).Compensable = true
			r.undo = append(r.undo, compensation{step: job.StepUpload, fn: func(ctx context.Context) error {
				var errs []error
				for _, ref := range refs {
					if err := o.uploader.Delete(ctx, ref); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}})
		}
		return nil
	}
}

// rollbackUploads removes the objects stored by a failed upload attempt.
func (o *Orchestrator) rollbackUploads(ctx context.Context, r *run, refs []string) {
	for _, ref := range refs {
		if err := o.uploader.Delete(ctx, ref); err != nil {
			r.logger.Warn("Failed to remove partial upload", "ref", ref, "error", err)
		}
	}
}

func (o *Orchestrator) dispatch(r *run) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		handle, err := o.gateway.Dispatch(ctx, r.endpoint, r.params)
		if err != nil {
			return err
		}
		r.handle = handle
		r.logger.Debug("Dispatched", "remoteId", handle.ID)

		if r.endpoint.Cancellable && handle.Immediate == nil {
			r.step(job.StepDispatch).Compensable = true
			r.undo = append(r.undo, compensation{step: job.StepDispatch, fn: func(ctx context.Context) error {
				return o.gateway.CancelRemote(ctx, handle)
			}})
		}
		return nil
	}
}

// poll queries the remote status until it is terminal. Every pending answer is
// recorded as an intermediate result.
func (o *Orchestrator) poll(stop context.Context, r *run) (remote.Status, error) {
	step := r.step(job.StepPoll)
	cfg := o.pollBackoff(r.endpoint)

	for i := 1; ; i++ {
		if err := halted(stop); err != nil {
			return remote.Status{}, err
		}

		var status remote.Status
		err := o.retry(stop, r, step, func(ctx context.Context) error {
			if r.handle.Immediate != nil {
				status = *r.handle.Immediate
				return nil
			}
			var err error
			status, err = o.gateway.Poll(ctx, r.handle)
			return err
		})
		if err != nil {
			if !errors.Is(err, errHalted) {
				step.Status = job.StepFailed
				step.Error = err.Error()
			}
			return remote.Status{}, err
		}

		if status.State.Terminal() {
			step.Status = job.StepDone
			return status, nil
		}

		if _, err := o.store.Transition(r.jobID, job.StatePolling, job.StatePolling, func(j *job.Job) {
			r.syncSteps(j)
			j.IntermediateResults = append(j.IntermediateResults, job.Intermediate{
				At:       time.Now(),
				Status:   status.Raw,
				Progress: status.Progress,
				Message:  status.Message,
				Data:     status.Result,
			})
			if status.Progress != nil {
				j.Progress.Fraction = *status.Progress
			}
			if status.Message != "" {
				j.Progress.Message = status.Message
			}
		}); err != nil {
			return remote.Status{}, err
		}

		if backoff.Wait(stop, backoff.Exponential(i, &cfg)) != nil {
			return remote.Status{}, errHalted
		}
	}
}

// pollBackoff seeds the poll interval with the endpoint's hint.
func (o *Orchestrator) pollBackoff(ep remote.Endpoint) backoff.Config {
	cfg := o.config.PollBackoff
	if ep.PollInterval > 0 {
		cfg.Initial = ep.PollInterval
		cfg.Max = max(cfg.Max, ep.PollInterval)
	}
	return cfg
}

// resolve maps the terminal remote status to the job's outcome.
func (o *Orchestrator) resolve(r *run, status remote.Status) (any, error) {
	step := r.step(job.StepResolve)
	step.Attempts = 1

	if status.State == remote.StateFailed {
		message := status.Error
		if message == "" {
			message = fmt.Sprintf("remote job ended with status %s", status.Raw)
		}
		err := apperrors.Service("remote."+r.endpoint.ID, 0, message)
		step.Status = job.StepFailed
		step.Error = err.Error()
		return nil, err
	}

	step.Status = job.StepDone
	_, err := o.store.Transition(r.jobID, job.StatePolling, job.StateSucceeded, func(j *job.Job) {
		r.syncSteps(j)
		j.Result = status.Result
		j.Progress = job.Progress{Fraction: 1, Message: status.Message}
	})
	if err != nil {
		return nil, err
	}
	return status.Result, nil
}

// settle drives a job that stopped short of success to its terminal state and
// returns the job's terminal error.
func (o *Orchestrator) settle(stop context.Context, r *run, cause error) error {
	switch {
	case errors.Is(cause, errHalted) && errors.Is(stop.Err(), context.DeadlineExceeded):
		r.logger.Warn("Job deadline exceeded", "timeout", r.timeout)
		return o.fail(r, apperrors.Timeout("job", r.timeout))
	case errors.Is(cause, errHalted):
		return o.cancel(r)
	case errors.Is(cause, apperrors.ErrState):
		// A transition lost against a concurrent cancel.
		if snap, err := o.store.Get(r.jobID); err == nil && snap.State == job.StateCancelling {
			return o.finishCancel(r)
		}
		return o.fail(r, apperrors.Internal("orchestrator.execute", cause))
	default:
		return o.fail(r, cause)
	}
}

// fail moves the job to failed and runs compensations. A concurrent cancel
// takes precedence.
func (o *Orchestrator) fail(r *run, cause error) error {
	pending := len(r.undo) > 0
	for {
		snap, err := o.store.Get(r.jobID)
		if err != nil {
			return err
		}
		if snap.State == job.StateCancelling {
			return o.finishCancel(r)
		}
		if !job.CanTransition(snap.State, job.StateFailed) {
			_, err := snap.Outcome()
			return err
		}

		_, err = o.store.Transition(r.jobID, snap.State, job.StateFailed, func(j *job.Job) {
			r.syncSteps(j)
			j.Err = cause
			j.Result = nil
			j.CompensationPending = pending
		})
		if errors.Is(err, apperrors.ErrState) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	r.logger.Warn("Job failed", "error", cause, "compensations", len(r.undo))

	if !pending {
		return cause
	}

	if _, err := o.store.Transition(r.jobID, job.StateFailed, job.StateCompensating, nil); err != nil {
		return cause
	}
	succeeded, compErr := o.compensate(r)
	next := job.StateCompensated
	if succeeded == 0 {
		next = job.StateFailed
	}
	_, _ = o.store.Transition(r.jobID, job.StateCompensating, next, func(j *job.Job) {
		r.syncSteps(j)
		j.CompensationErr = compErr
		j.CompensationPending = false
	})
	return cause
}

// cancel handles a halt caused by cancellation of the execution context.
// When the job was not cancelled through Cancel, e.g. at shutdown, it is
// moved to cancelling first.
func (o *Orchestrator) cancel(r *run) error {
	for {
		snap, err := o.store.Get(r.jobID)
		if err != nil {
			return err
		}
		switch {
		case snap.State == job.StateCancelling:
			return o.finishCancel(r)
		case !snap.State.Cancellable():
			_, err := snap.Outcome()
			return err
		}
		if _, err := o.store.Transition(r.jobID, snap.State, job.StateCancelling, nil); err != nil && !errors.Is(err, apperrors.ErrState) {
			return err
		}
	}
}

// finishCancel compensates completed steps and moves the job to cancelled.
func (o *Orchestrator) finishCancel(r *run) error {
	undone := len(r.undo)
	_, compErr := o.compensate(r)
	o.settleCancelled(r.jobID, func(j *job.Job) {
		r.syncSteps(j)
		j.CompensationErr = compErr
	})
	r.logger.Info("Job cancelled", "compensations", undone)
	return apperrors.Cancelled("job", r.jobID)
}

// compensate runs registered compensations once each, newest first.
func (o *Orchestrator) compensate(r *run) (succeeded int, err error) {
	ctx := context.Background()

	var errs []error
	for i := len(r.undo) - 1; i >= 0; i-- {
		c := r.undo[i]
		step := r.step(c.step)
		cerr := c.fn(ctx)
		if o.metrics != nil {
			o.metrics.RecordCompensation(ctx, string(c.step), cerr == nil)
		}
		if cerr != nil {
			r.logger.Error("Compensation failed", "step", c.step, "error", cerr)
			errs = append(errs, apperrors.Compensation(string(c.step), cerr))
			step.Error = cerr.Error()
			continue
		}
		step.Status = job.StepCompensated
		succeeded++
	}
	r.undo = nil
	return succeeded, errors.Join(errs...)
}

func halted(ctx context.Context) error {
	if ctx.Err() != nil {
		return errHalted
	}
	return nil
}
