package progress

import (
	"fastsdk/pkg/cloudevent"
	"fmt"
	"slices"
	"sync/atomic"
)

// Event types for job lifecycle callbacks
const (
	EventTypeState    = "fastsdk.job.state"
	EventTypeProgress = "fastsdk.job.progress"
	EventTypeFinished = "fastsdk.job.finished"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventType classifies an update.
func EventType(u Update) string {
	switch {
	case u.Done:
		return EventTypeFinished
	case u.Previous == u.State:
		return EventTypeProgress
	default:
		return EventTypeState
	}
}

// EventBuilder builds CloudEvents from updates.
type EventBuilder struct {
	source string
	seq    atomic.Uint64
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates the CloudEvent for u.
func (b *EventBuilder) Build(u Update) *cloudevent.CloudEvent {
	seq := b.seq.Add(1)
	data := map[string]any{
		"jobId":    u.JobID,
		"service":  u.ServiceRef,
		"endpoint": u.EndpointRef,
		"previous": string(u.Previous),
		"state":    string(u.State),
		"progress": u.Progress.Fraction,
	}
	if u.Progress.Message != "" {
		data["message"] = u.Progress.Message
	}
	if u.Error != "" {
		data["error"] = u.Error
	}
	eventID := fmt.Sprintf("%s-%d", u.JobID, seq)
	event := cloudevent.New(EventType(u), b.source, u.JobID, eventID, data)
	event.Sequence = seq
	return event
}
