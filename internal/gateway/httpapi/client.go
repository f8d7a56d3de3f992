// Package httpapi is the gateway for services reached over HTTP: socaity
// job APIs, runpod serverless endpoints and replicate models.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/catalog"
	"fastsdk/internal/job"
	"fastsdk/internal/remote"
	"fastsdk/pkg/circuitbreaker"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/time/rate"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

// Client dispatches, polls and cancels jobs on HTTP services.
type Client struct {
	config   Config
	http     *http.Client
	services map[string]catalog.Service
	limiters map[string]*rate.Limiter
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// New creates a gateway for the given services. Services with other
// protocols are ignored.
func New(cfg Config, services []catalog.Service) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		services: make(map[string]catalog.Service),
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.With("component", "gateway", "gateway", "http"),
	}
	c.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: c.hostStateChanged,
	})
	for _, svc := range services {
		if !svc.Protocol.HTTP() {
			continue
		}
		c.services[svc.ID] = svc
		if cfg.RateLimit > 0 {
			c.limiters[svc.ID] = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		}
	}
	return c
}

// Dispatch submits a job to the endpoint's service.
func (c *Client) Dispatch(ctx context.Context, ep remote.Endpoint, params job.Params) (remote.Handle, error) {
	svc, err := c.service(ep.ServiceRef)
	if err != nil {
		return remote.Handle{}, err
	}

	target, body := c.dispatchRequest(svc, ep, params)
	payload, err := json.Marshal(body)
	if err != nil {
		return remote.Handle{}, apperrors.Validation("params", fmt.Sprintf("params are not serializable: %v", err))
	}

	resp, err := c.do(ctx, svc, "gateway.dispatch", http.MethodPost, target, payload)
	if err != nil {
		return remote.Handle{}, err
	}

	handle := remote.Handle{ServiceRef: svc.ID, EndpointRef: ep.ID}
	parsed, isJob := resp.job()
	if !isJob {
		// Synchronous answer: the response is the result.
		handle.Immediate = &remote.Status{State: remote.StateSucceeded, Raw: statusFinished, Result: resp.result()}
		c.logger.Debug("Endpoint answered synchronously", "service", svc.ID, "endpoint", ep.ID)
		return handle, nil
	}

	handle.ID = parsed.ID
	statusPath, cancelPath := jobPaths(svc.Protocol, url.PathEscape(parsed.ID))
	handle.StatusURL = c.resolve(svc, parsed.RefreshURL, statusPath)
	handle.CancelURL = c.resolve(svc, parsed.CancelURL, cancelPath)
	if st := parsed.status(); st.State.Terminal() {
		handle.Immediate = &st
	}
	c.logger.Debug("Job dispatched", "service", svc.ID, "endpoint", ep.ID, "remoteId", handle.ID, "status", parsed.Status)
	return handle, nil
}

// Poll fetches the current status of a dispatched job.
func (c *Client) Poll(ctx context.Context, h remote.Handle) (remote.Status, error) {
	if h.Immediate != nil {
		return *h.Immediate, nil
	}
	svc, err := c.service(h.ServiceRef)
	if err != nil {
		return remote.Status{}, err
	}

	resp, err := c.do(ctx, svc, "gateway.poll", http.MethodGet, h.StatusURL, nil)
	if err != nil {
		return remote.Status{}, err
	}

	parsed, isJob := resp.job()
	if !isJob {
		return remote.Status{State: remote.StateSucceeded, Raw: statusFinished, Result: resp.result()}, nil
	}
	return parsed.status(), nil
}

// CancelRemote asks the service to stop a job. It is best effort: services
// that do not know the job anymore are not an error.
func (c *Client) CancelRemote(ctx context.Context, h remote.Handle) error {
	if h.Immediate != nil || h.CancelURL == "" {
		return nil
	}
	svc, err := c.service(h.ServiceRef)
	if err != nil {
		return err
	}

	_, err = c.do(ctx, svc, "gateway.cancel", http.MethodPost, h.CancelURL, nil)
	if err != nil && apperrors.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// Ready reports an error when every known host has been cut off.
func (c *Client) Ready(ctx context.Context) error {
	stats := c.breakers.Stats()
	if stats.Total > 0 && stats.Open == stats.Total {
		return fmt.Errorf("all remote hosts are unavailable: %s", strings.Join(c.breakers.Open(), ", "))
	}
	return nil
}

func (c *Client) hostStateChanged(host string, from, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.Open:
		c.logger.Warn("Remote host cut off after repeated failures", "host", host, "cooldown", c.config.BreakerCooldown)
	case circuitbreaker.Closed:
		c.logger.Info("Remote host recovered", "host", host, "previous", from.String())
	}
}

// Services returns the ids of the services this gateway serves.
func (c *Client) Services() []string {
	return slices.Sorted(maps.Keys(c.services))
}

func (c *Client) service(id string) (catalog.Service, error) {
	svc, ok := c.services[id]
	if !ok {
		return catalog.Service{}, apperrors.NotFound("service", id)
	}
	return svc, nil
}

// dispatchRequest builds the target URL and body for the service's protocol.
// A replicate endpoint path is "publisher/model", optionally pinned to a
// version with ":version".
func (c *Client) dispatchRequest(svc catalog.Service, ep remote.Endpoint, params job.Params) (string, any) {
	switch svc.Protocol {
	case catalog.ProtocolRunpod:
		input := make(map[string]any, len(params)+1)
		maps.Copy(input, params)
		input["path"] = ep.Path
		return svc.URL + "/run", map[string]any{"input": input}
	case catalog.ProtocolReplicate:
		model, version, pinned := strings.Cut(ep.Path, ":")
		if pinned {
			return svc.URL + "/v1/predictions", map[string]any{"version": version, "input": params}
		}
		return svc.URL + "/v1/models/" + model + "/predictions", map[string]any{"input": params}
	default:
		return svc.URL + "/" + ep.Path, params
	}
}

// jobPaths are the status and cancel paths used when an answer names none.
func jobPaths(p catalog.Protocol, id string) (status, cancel string) {
	if p == catalog.ProtocolReplicate {
		return "v1/predictions/" + id, "v1/predictions/" + id + "/cancel"
	}
	return "status/" + id, "cancel/" + id
}

// resolve turns a URL reported by the service into an absolute one.
func (c *Client) resolve(svc catalog.Service, reported, fallback string) string {
	if reported == "" {
		return svc.URL + "/" + fallback
	}
	if u, err := url.Parse(reported); err == nil && u.IsAbs() {
		return reported
	}
	return svc.URL + "/" + strings.TrimLeft(reported, "/")
}

// response is a successful HTTP answer.
type response struct {
	contentType string
	body        []byte
}

func (r response) isJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.contentType)
	return err == nil && (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"))
}

func (r response) job() (jobResponse, bool) {
	if !r.isJSON() {
		return jobResponse{}, false
	}
	var data map[string]any
	if err := json.Unmarshal(r.body, &data); err != nil {
		return jobResponse{}, false
	}
	return parseJSON(data)
}

// result is the body as a value: decoded JSON, or the raw bytes.
func (r response) result() any {
	if r.isJSON() {
		var v any
		if json.Unmarshal(r.body, &v) == nil {
			return v
		}
	}
	return r.body
}

// do sends one request through the service's rate limiter and host breaker.
func (c *Client) do(ctx context.Context, svc catalog.Service, op, method, target string, payload []byte) (response, error) {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return response{}, apperrors.Internal(op, fmt.Errorf("invalid url %q", target))
	}

	if limiter := c.limiters[svc.ID]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return response{}, apperrors.Network(op, 0, err)
		}
	}

	var resp response
	err = c.breakers.Get(parsed.Host).Do(func() error {
		var err error
		resp, err = c.send(ctx, svc, op, method, target, payload)
		return err
	}, apperrors.IsTransient)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return response{}, apperrors.Network(op, 0, fmt.Errorf("host %s: %w", parsed.Host, err))
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, svc catalog.Service, op, method, target string, payload []byte) (response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return response{}, apperrors.Internal(op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if svc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+svc.APIKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return response{}, apperrors.Network(op, 0, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return response{}, apperrors.Network(op, httpResp.StatusCode, err)
	}
	if err := checkStatus(op, target, httpResp.StatusCode, data); err != nil {
		c.logger.Debug("Remote rejected request", "op", op, "service", svc.ID, "status", httpResp.StatusCode)
		return response{}, err
	}
	return response{contentType: httpResp.Header.Get("Content-Type"), body: data}, nil
}

// checkStatus maps an HTTP status onto the error taxonomy.
func checkStatus(op, target string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return apperrors.Service(op, status, fmt.Sprintf("endpoint %s error: Unauthorized. Did you forget to set the API key?", target))
	case status == http.StatusNotFound:
		return apperrors.Service(op, status, fmt.Sprintf("endpoint %s error: not found", target))
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Network(op, status, fmt.Errorf("%s", snippet(body)))
	default:
		return apperrors.Service(op, status, fmt.Sprintf("endpoint %s error: %s", target, snippet(body)))
	}
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
