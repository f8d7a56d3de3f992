package job

import "time"

// Request represents a request to submit a new job.
type Request struct {
	ID             string `json:"id,omitempty"` // optional; generated when empty
	Service        string `json:"service"`
	Endpoint       string `json:"endpoint"`
	Params         Params `json:"params"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Response represents the response when a job is accepted.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Status is the externally visible view of a job.
type Status struct {
	ID                  string     `json:"id"`
	Service             string     `json:"service"`
	Endpoint            string     `json:"endpoint"`
	State               string     `json:"status"`
	Progress            Progress   `json:"progress"`
	Steps               []Step     `json:"steps"`
	IntermediateResults int        `json:"intermediateResults"`
	Result              any        `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
	CompensationError   string     `json:"compensationError,omitempty"`
	RemoteID            string     `json:"remoteId,omitempty"`
	Uploads             []string   `json:"uploads,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty"`
}

// NewStatus builds the external view of j.
func NewStatus(j *Job) Status {
	s := Status{
		ID:                  j.ID,
		Service:             j.ServiceRef,
		Endpoint:            j.EndpointRef,
		State:               string(j.State),
		Progress:            j.Progress,
		Steps:               j.Steps,
		IntermediateResults: len(j.IntermediateResults),
		RemoteID:            j.RemoteID,
		Uploads:             j.UploadRefs,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
	}
	if j.State == StateSucceeded {
		s.Result = j.Result
	}
	if j.Err != nil {
		s.Error = j.Err.Error()
	}
	if j.CompensationErr != nil {
		s.CompensationError = j.CompensationErr.Error()
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		s.FinishedAt = &finished
	}
	return s
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}
