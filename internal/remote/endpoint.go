package remote

import (
	"fastsdk/internal/apperrors"
	"fastsdk/internal/job"
	"fmt"
	"time"
)

// ParamType is the expected shape of a parameter value.
type ParamType string

// ParamType constants
const (
	ParamAny    ParamType = ""
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamFile   ParamType = "file" // bytes or string payload, uploaded when large
	ParamObject ParamType = "object"
	ParamList   ParamType = "list"
)

// Parameter describes one input of an endpoint.
type Parameter struct {
	Name     string    `yaml:"name" json:"name"`
	Type     ParamType `yaml:"type" json:"type,omitempty"`
	Required bool      `yaml:"required" json:"required,omitempty"`
}

// Endpoint is the read-only descriptor of a callable remote endpoint.
type Endpoint struct {
	ServiceRef   string        `json:"service"`
	ID           string        `json:"id"`
	Path         string        `json:"path,omitempty"`
	Parameters   []Parameter   `json:"parameters,omitempty"`
	PollInterval time.Duration `json:"pollInterval,omitempty"` // seed interval hint; 0 uses the default
	Timeout      time.Duration `json:"timeout,omitempty"`      // overall deadline hint; 0 uses the default
	Cancellable  bool          `json:"cancellable"`

	// Container endpoints
	Image   string   `json:"image,omitempty"`
	Command []string `json:"command,omitempty"`
}

// Validate checks params against the declared parameter shape.
// Undeclared parameters are passed through untouched.
func (e Endpoint) Validate(params job.Params) error {
	if params == nil {
		return apperrors.Validation("params", "params are required")
	}
	for _, p := range e.Parameters {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return apperrors.Validation(p.Name, fmt.Sprintf("parameter %s is required", p.Name))
			}
			continue
		}
		if !p.Type.accepts(v) {
			return apperrors.Validation(p.Name, fmt.Sprintf("parameter %s must be of type %s", p.Name, p.Type))
		}
	}
	return nil
}

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamAny, ParamString, ParamNumber, ParamBool, ParamFile, ParamObject, ParamList:
		return true
	}
	return false
}

func (t ParamType) accepts(v any) bool {
	switch t {
	case ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, uint, uint32, uint64:
			return true
		}
		return false
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamFile:
		_, ok := job.PayloadBytes(v)
		return ok
	case ParamObject:
		switch v.(type) {
		case map[string]any, job.Params:
			return true
		}
		return false
	case ParamList:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return true
	}
}
