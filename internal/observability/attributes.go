// Package observability provides metrics for the jobs service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrService  = "service"
	attrEndpoint = "endpoint"
	attrState    = "state"
	attrStep     = "step"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String(attrService, service)
}

func endpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String(attrEndpoint, endpoint)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids in paths with a placeholder.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, sub, nested := strings.Cut(rest, "/"); nested {
		return prefix + "{jobId}/" + sub
	}
	return prefix + "{jobId}"
}

// WithService returns a metric option with the service and endpoint attributes.
func WithService(service, endpoint string) metric.MeasurementOption {
	return metric.WithAttributes(serviceAttr(service), endpointAttr(endpoint))
}

// WithState returns a metric option with the state attribute.
func WithState(state string) metric.MeasurementOption {
	return metric.WithAttributes(stateAttr(state))
}
