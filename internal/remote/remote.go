// Package remote defines the collaborators the orchestrator talks to: the
// gateway that runs work on a remote service, the uploader for large payloads,
// and the descriptors of the endpoints that can be called.
package remote

import (
	"context"
	"fastsdk/internal/job"
)

// State is the normalised status of remote work.
type State string

// State constants
const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the remote work has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Handle identifies work accepted by a remote service.
type Handle struct {
	ID          string `json:"id"`
	ServiceRef  string `json:"service"`
	EndpointRef string `json:"endpoint"`
	StatusURL   string `json:"statusUrl,omitempty"`
	CancelURL   string `json:"cancelUrl,omitempty"`
	// Immediate is set when the service answered synchronously; polling returns it as is.
	Immediate *Status `json:"-"`
}

// Status is one answer to a poll.
type Status struct {
	State    State    `json:"state"`
	Raw      string   `json:"raw,omitempty"` // status string as reported by the service
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Result   any      `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Gateway dispatches work to remote services.
// Failures are NetworkError (transient) or ServiceError (permanent).
type Gateway interface {
	Dispatch(ctx context.Context, endpoint Endpoint, params job.Params) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
	CancelRemote(ctx context.Context, handle Handle) error
}

// Uploader stores large payloads out of band and returns a reference to them.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Delete(ctx context.Context, ref string) error
}

// EndpointResolver looks up endpoint descriptors.
type EndpointResolver interface {
	Endpoint(serviceRef, endpointRef string) (Endpoint, error)
}

// ReadinessChecker reports whether a collaborator can take work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}
