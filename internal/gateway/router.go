// Package gateway routes dispatches to the gateway serving each service.
package gateway

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/job"
	"fastsdk/internal/remote"
	"fmt"
	"maps"
	"slices"
)

// Backend is a gateway for a fixed set of services.
type Backend interface {
	remote.Gateway
	Services() []string
}

// Router implements remote.Gateway over several backends, picking one by
// the service reference of the endpoint or handle.
type Router struct {
	backends []Backend
	routes   map[string]Backend
}

// NewRouter builds a router. Each service may be served by one backend only.
func NewRouter(backends ...Backend) (*Router, error) {
	r := &Router{routes: make(map[string]Backend)}
	for _, b := range backends {
		if b == nil {
			continue
		}
		for _, svc := range b.Services() {
			if _, exists := r.routes[svc]; exists {
				return nil, fmt.Errorf("service %q is served by more than one gateway", svc)
			}
			r.routes[svc] = b
		}
		r.backends = append(r.backends, b)
	}
	return r, nil
}

func (r *Router) Dispatch(ctx context.Context, ep remote.Endpoint, params job.Params) (remote.Handle, error) {
	b, err := r.route(ep.ServiceRef)
	if err != nil {
		return remote.Handle{}, err
	}
	return b.Dispatch(ctx, ep, params)
}

func (r *Router) Poll(ctx context.Context, h remote.Handle) (remote.Status, error) {
	b, err := r.route(h.ServiceRef)
	if err != nil {
		return remote.Status{}, err
	}
	return b.Poll(ctx, h)
}

func (r *Router) CancelRemote(ctx context.Context, h remote.Handle) error {
	b, err := r.route(h.ServiceRef)
	if err != nil {
		return err
	}
	return b.CancelRemote(ctx, h)
}

// Ready reports the readiness of every backend that can tell.
func (r *Router) Ready(ctx context.Context) error {
	var errs []error
	for _, b := range r.backends {
		if checker, ok := b.(remote.ReadinessChecker); ok {
			if err := checker.Ready(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Services returns every routed service id.
func (r *Router) Services() []string {
	return slices.Sorted(maps.Keys(r.routes))
}

func (r *Router) route(service string) (Backend, error) {
	b, ok := r.routes[service]
	if !ok {
		return nil, apperrors.NotFound("service", service)
	}
	return b, nil
}
