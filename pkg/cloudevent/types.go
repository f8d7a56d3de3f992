// Package cloudevent carries job notifications as CloudEvents 1.0 in
// structured JSON mode, signed with HMAC-SHA256.
package cloudevent

import (
	"net/http"
	"strconv"
	"time"
)

const (
	SpecVersion = "1.0"

	// ContentType is the media type of a structured-mode request body.
	ContentType = "application/cloudevents+json"
)

// CloudEvent is one notification. Data is always encoded as JSON.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`

	// Sequence is an extension attribute ordering events from one source.
	// Zero leaves it out.
	Sequence uint64 `json:"sequence,omitempty"`
}

// New returns an event about subject stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// header mirrors the routing attributes as Ce-* headers so receivers can
// filter without decoding the body.
func (e *CloudEvent) header() http.Header {
	h := make(http.Header, 8)
	h.Set("Content-Type", ContentType)
	for name, value := range map[string]string{
		"Ce-Id":          e.ID,
		"Ce-Specversion": e.SpecVersion,
		"Ce-Type":        e.Type,
		"Ce-Source":      e.Source,
		"Ce-Subject":     e.Subject,
	} {
		if value != "" {
			h.Set(name, value)
		}
	}
	if !e.Time.IsZero() {
		h.Set("Ce-Time", e.Time.Format(time.RFC3339Nano))
	}
	if e.Sequence > 0 {
		h.Set("Ce-Sequence", strconv.FormatUint(e.Sequence, 10))
	}
	return h
}
