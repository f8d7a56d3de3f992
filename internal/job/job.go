// Package job defines the Job entity, its state machine and the in-memory store
// that owns every Job record.
package job

import (
	"fastsdk/internal/apperrors"
	"fmt"
	"slices"
	"time"
)

// StepName identifies a step of the execution sequence.
type StepName string

// Steps in execution order.
const (
	StepUpload   StepName = "upload"
	StepDispatch StepName = "dispatch"
	StepPoll     StepName = "poll"
	StepResolve  StepName = "resolve"
)

// StepStatus is the outcome of a single step.
type StepStatus string

// StepStatus constants
const (
	StepPending     StepStatus = "pending"
	StepDone        StepStatus = "done"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step records the progress of one step of the sequence.
type Step struct {
	Name        StepName   `json:"name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Compensable bool       `json:"compensable"`
	Error       string     `json:"error,omitempty"`
}

// Progress is the latest progress reported for a job.
type Progress struct {
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// Intermediate is one non-final poll response.
type Intermediate struct {
	At       time.Time `json:"at"`
	Status   string    `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// Job is a single remote-execution request and its lifecycle.
// Records are owned by the Store; everything outside it works on copies.
type Job struct {
	ID          string
	ServiceRef  string
	EndpointRef string
	State       State
	// Params is the request as submitted and never changes afterwards.
	Params Params
	// UploadRefs are the storage references that replaced large parameters
	// in the dispatched request.
	UploadRefs          []string
	Steps               []Step
	Progress            Progress
	IntermediateResults []Intermediate
	Result              any
	Err                 error
	// CompensationErr holds joined compensation failures; Err keeps the original cause.
	CompensationErr error
	// CompensationPending is set while a failed job still has undo actions to run.
	CompensationPending bool
	RemoteID            string
	AsyncJobID          string
	Deadline            time.Time
	CreatedAt           time.Time
	StartedAt           time.Time
	UpdatedAt           time.Time
	FinishedAt          time.Time
}

// New creates a job in the created state with all steps pending.
func New(id, serviceRef, endpointRef string, params Params, deadline time.Time) *Job {
	now := time.Now()
	return &Job{
		ID:          id,
		ServiceRef:  serviceRef,
		EndpointRef: endpointRef,
		State:       StateCreated,
		Params:      params.Clone(),
		Steps:       NewSteps(),
		Deadline:    deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewSteps returns the execution sequence with every step pending.
func NewSteps() []Step {
	return []Step{
		{Name: StepUpload, Status: StepPending},
		{Name: StepDispatch, Status: StepPending},
		{Name: StepPoll, Status: StepPending},
		{Name: StepResolve, Status: StepPending},
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = j.Params.Clone()
	c.UploadRefs = slices.Clone(j.UploadRefs)
	c.Steps = slices.Clone(j.Steps)
	c.Result = cloneValue(j.Result)
	if j.IntermediateResults != nil {
		c.IntermediateResults = make([]Intermediate, len(j.IntermediateResults))
		for i, r := range j.IntermediateResults {
			r.Data = cloneValue(r.Data)
			if r.Progress != nil {
				p := *r.Progress
				r.Progress = &p
			}
			c.IntermediateResults[i] = r
		}
	}
	return &c
}

// Step returns the record for name, or nil.
func (j *Job) Step(name StepName) *Step {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i]
		}
	}
	return nil
}

// Done reports whether the job has settled: terminal with no compensation outstanding.
func (j *Job) Done() bool {
	return j.State.Terminal() && !j.CompensationPending
}

// Outcome returns the result of a settled job, or its terminal error.
func (j *Job) Outcome() (any, error) {
	if !j.Done() {
		return nil, apperrors.State("job", j.ID, fmt.Sprintf("not finished (state %s)", j.State))
	}
	if j.State == StateSucceeded {
		return j.Result, nil
	}
	return nil, j.Err
}

// Duration returns the time between start and finish, or since start while running.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.FinishedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// validate checks the invariants every stored record must hold.
func (j *Job) validate() error {
	if !j.State.Valid() {
		return fmt.Errorf("unknown state %q", j.State)
	}
	if !j.State.Terminal() {
		if j.Result != nil {
			return fmt.Errorf("%s job carries a result", j.State)
		}
		// compensating keeps the error of the failure it undoes.
		if j.Err != nil && j.State != StateCompensating {
			return fmt.Errorf("%s job carries an error", j.State)
		}
		return nil
	}
	if j.State == StateSucceeded && j.Err != nil {
		return fmt.Errorf("succeeded job carries an error")
	}
	if j.State != StateSucceeded && j.Err == nil {
		return fmt.Errorf("%s job has no error", j.State)
	}
	if j.State != StateSucceeded && j.Result != nil {
		return fmt.Errorf("%s job carries a result", j.State)
	}
	return nil
}
