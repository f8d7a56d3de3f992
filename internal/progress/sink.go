// Package progress delivers job state and progress updates to interested parties.
package progress

import (
	"context"
	"fastsdk/internal/job"
	"log/slog"
	"time"
)

// Update describes one observed transition of a job.
type Update struct {
	JobID       string       `json:"jobId"`
	ServiceRef  string       `json:"service"`
	EndpointRef string       `json:"endpoint"`
	Previous    job.State    `json:"previous"`
	State       job.State    `json:"state"`
	Progress    job.Progress `json:"progress"`
	Error       string       `json:"error,omitempty"`
	Done        bool         `json:"done"`
	At          time.Time    `json:"at"`
}

// NewUpdate builds an update from a transition snapshot.
func NewUpdate(previous job.State, j *job.Job) Update {
	u := Update{
		JobID:       j.ID,
		ServiceRef:  j.ServiceRef,
		EndpointRef: j.EndpointRef,
		Previous:    previous,
		State:       j.State,
		Progress:    j.Progress,
		Done:        j.Done(),
		At:          j.UpdatedAt,
	}
	if j.Err != nil {
		u.Error = j.Err.Error()
	}
	return u
}

// Sink receives updates. Report is called synchronously on the transition path
// and must not block.
type Sink interface {
	Report(ctx context.Context, u Update)
}

// Nop discards every update.
type Nop struct{}

// Report implements Sink.
func (Nop) Report(context.Context, Update) {}

// Multi fans an update out to several sinks in order.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(ctx context.Context, u Update) {
	for _, s := range m {
		s.Report(ctx, u)
	}
}

// LogSink writes updates to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "progress")}
}

// Report implements Sink.
func (s *LogSink) Report(ctx context.Context, u Update) {
	attrs := []any{
		"jobId", u.JobID,
		"service", u.ServiceRef,
		"endpoint", u.EndpointRef,
		"from", u.Previous,
		"to", u.State,
	}
	if u.Progress.Fraction > 0 || u.Progress.Message != "" {
		attrs = append(attrs, "progress", u.Progress.Fraction, "message", u.Progress.Message)
	}
	if u.Error != "" {
		attrs = append(attrs, "error", u.Error)
	}

	switch {
	case u.Previous == u.State:
		s.logger.DebugContext(ctx, "Job progress", attrs...)
	case u.State == job.StateFailed || u.State == job.StateCompensated:
		s.logger.WarnContext(ctx, "Job transition", attrs...)
	default:
		s.logger.InfoContext(ctx, "Job transition", attrs...)
	}
}

var (
	_ Sink = Nop{}
	_ Sink = Multi(nil)
	_ Sink = (*LogSink)(nil)
)
