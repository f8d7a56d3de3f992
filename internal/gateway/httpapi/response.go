package httpapi

import (
	"encoding/json"
	"fastsdk/internal/remote"
	"fmt"
	"strconv"
	"strings"
)

// Remote job statuses. Runpod spellings are normalised onto these.
const (
	statusQueued     = "QUEUED"
	statusProcessing = "PROCESSING"
	statusFinished   = "FINISHED"
	statusFailed     = "FAILED"
	statusTimeout    = "TIMEOUT"
	statusCancelled  = "CANCELLED"
	statusUnknown    = "UNKNOWN"
)

var runpodStatuses = map[string]string{
	"IN_QUEUE":    statusQueued,
	"IN_PROGRESS": statusProcessing,
	"COMPLETED":   statusFinished,
	"FAILED":      statusFailed,
	"CANCELLED":   statusCancelled,
	"TIMED_OUT":   statusTimeout,
}

// replicateStatuses maps prediction statuses. Anything unreported counts as queued.
var replicateStatuses = map[string]string{
	"starting":   statusQueued,
	"booting":    statusProcessing,
	"processing": statusProcessing,
	"succeeded":  statusFinished,
	"failed":     statusFailed,
	"canceled":   statusCancelled,
}

// normalizeStatus maps a reported status onto the known vocabulary.
func normalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if mapped, ok := runpodStatuses[s]; ok {
		return mapped
	}
	switch s {
	case statusQueued, statusProcessing, statusFinished, statusFailed, statusTimeout, statusCancelled:
		return s
	}
	return statusUnknown
}

// remoteState reduces a status to the gateway contract. Unknown statuses are
// treated as still running; the job deadline bounds them.
func remoteState(status string) remote.State {
	switch status {
	case statusFinished:
		return remote.StateSucceeded
	case statusFailed, statusTimeout, statusCancelled:
		return remote.StateFailed
	default:
		return remote.StatePending
	}
}

// jobResponse is a parsed asynchronous job answer.
type jobResponse struct {
	ID         string
	Status     string
	Progress   *float64
	Message    string
	Result     any
	Error      string
	RefreshURL string
	CancelURL  string
}

func (r jobResponse) status() remote.Status {
	st := remote.Status{
		State:    remoteState(r.Status),
		Raw:      r.Status,
		Progress: r.Progress,
		Message:  r.Message,
		Result:   r.Result,
		Error:    r.Error,
	}
	if st.State == remote.StateFailed && st.Error == "" {
		st.Error = r.Message
		if st.Error == "" {
			st.Error = fmt.Sprintf("remote job %s ended with status %s", r.ID, r.Status)
		}
	}
	if st.State != remote.StateSucceeded {
		st.Result = nil
	}
	return st
}

// parseJSON recognises socaity, replicate and runpod job answers. ok is false
// for any other document, which callers treat as a synchronous result.
func parseJSON(data map[string]any) (jobResponse, bool) {
	if r, ok := parseSocaity(data); ok {
		return r, true
	}
	if r, ok := parseReplicate(data); ok {
		return r, true
	}
	if r, ok := parseRunpod(data); ok {
		// Runpod workers may wrap a socaity answer in their output.
		if s, isString := r.Result.(string); isString {
			var nested map[string]any
			if json.Unmarshal([]byte(s), &nested) == nil {
				if inner, ok := parseJSON(nested); ok {
					inner.ID = r.ID
					inner.RefreshURL = r.RefreshURL
					inner.CancelURL = r.CancelURL
					return inner, true
				}
			}
		}
		return r, true
	}
	return jobResponse{}, false
}

func parseSocaity(data map[string]any) (jobResponse, bool) {
	if str(data["endpoint_protocol"]) != "socaity" {
		return jobResponse{}, false
	}
	id, status := str(data["id"]), str(data["status"])
	if id == "" || status == "" {
		return jobResponse{}, false
	}
	r := jobResponse{
		ID:         id,
		Status:     normalizeStatus(status),
		Progress:   number(data["progress"]),
		Message:    str(data["message"]),
		Result:     data["result"],
		RefreshURL: str(data["refresh_job_url"]),
		CancelURL:  str(data["cancel_job_url"]),
	}
	if r.Status == statusFailed || r.Status == statusTimeout {
		r.Error = str(data["error"])
	}
	return r, true
}

func parseRunpod(data map[string]any) (jobResponse, bool) {
	id, status := str(data["id"]), strings.ToUpper(str(data["status"]))
	if id == "" {
		return jobResponse{}, false
	}
	if _, known := runpodStatuses[status]; !known {
		return jobResponse{}, false
	}
	return jobResponse{
		ID:         id,
		Status:     runpodStatuses[status],
		Progress:   number(data["progress"]),
		Error:      str(data["error"]),
		Result:     data["output"],
		RefreshURL: str(data["refresh_job_url"]),
		CancelURL:  str(data["cancel_job_url"]),
	}, true
}

// parseReplicate reads a prediction. Predictions always carry their own
// urls.get, which tells them apart from runpod answers.
func parseReplicate(data map[string]any) (jobResponse, bool) {
	urls, _ := data["urls"].(map[string]any)
	id := str(data["id"])
	if id == "" || str(urls["get"]) == "" {
		return jobResponse{}, false
	}

	status, ok := replicateStatuses[strings.ToLower(str(data["status"]))]
	if !ok {
		status = statusQueued
	}
	r := jobResponse{
		ID:         id,
		Status:     status,
		Progress:   number(data["progress"]),
		Message:    str(data["error"]),
		Error:      str(data["error"]),
		Result:     data["output"],
		RefreshURL: str(urls["get"]),
		CancelURL:  str(urls["cancel"]),
	}
	if status == statusFinished {
		done := 1.0
		r.Progress = &done
	}
	return r, true
}

func str(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func number(v any) *float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
