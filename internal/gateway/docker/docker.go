// Package docker is the gateway for services that run as local containers.
// Each dispatch starts one container from the endpoint's image; parameters
// are passed as environment variables and the result is read from stdout.
//
// Containers report progress by printing lines of the form
//
//	PROGRESS <fraction> [message]
//
// Every other stdout line is part of the result. Output that parses as JSON
// is returned decoded.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/catalog"
	"fastsdk/internal/job"
	"fastsdk/internal/remote"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway runs jobs as Docker containers.
type Gateway struct {
	config   Config
	engine   engine
	services map[string]catalog.Service
	live     *containers
	logger   *slog.Logger
}

// New connects to the Docker daemon configured by the environment
// (DOCKER_HOST and friends). Services with other protocols are ignored.
func New(cfg Config, services []catalog.Service) (*Gateway, error) {
	cfg = cfg.withDefaults()
	eng, err := newDockerEngine(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, eng, services), nil
}

func newGateway(cfg Config, eng engine, services []catalog.Service) *Gateway {
	g := &Gateway{
		config:   cfg.withDefaults(),
		engine:   eng,
		services: make(map[string]catalog.Service),
		live:     newContainers(),
		logger:   slog.With("component", "gateway", "gateway", "docker"),
	}
	for _, svc := range services {
		if svc.Protocol == catalog.ProtocolDocker {
			g.services[svc.ID] = svc
		}
	}
	return g
}

// Dispatch starts a container for the endpoint.
func (g *Gateway) Dispatch(ctx context.Context, ep remote.Endpoint, params job.Params) (remote.Handle, error) {
	svc, ok := g.services[ep.ServiceRef]
	if !ok {
		return remote.Handle{}, apperrors.NotFound("service", ep.ServiceRef)
	}
	if ep.Image == "" {
		return remote.Handle{}, apperrors.Service("docker.dispatch", 0, fmt.Sprintf("endpoint %s/%s has no image", svc.ID, ep.ID))
	}

	env, err := containerEnv(params)
	if err != nil {
		return remote.Handle{}, err
	}

	if err := g.engine.EnsureImage(ctx, ep.Image); err != nil {
		return remote.Handle{}, err
	}

	id, err := g.engine.Create(ctx, containerSpec{
		Name:    "fastsdk-job-" + uuid.NewString(),
		Image:   ep.Image,
		Command: ep.Command,
		Env:     env,
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelService:   svc.ID,
			labelEndpoint:  ep.ID,
		},
	})
	if err != nil {
		return remote.Handle{}, err
	}

	if err := g.engine.Start(ctx, id); err != nil {
		if rmErr := g.engine.Remove(context.WithoutCancel(ctx), id, g.config.StopTimeout); rmErr != nil {
			g.logger.Warn("Failed to remove container that did not start", "containerId", id, "error", rmErr)
		}
		return remote.Handle{}, err
	}

	if err := g.live.track(id, tracked{service: svc.ID, endpoint: ep.ID, startedAt: time.Now()}); err != nil {
		return remote.Handle{}, apperrors.Internal("docker.dispatch", err)
	}
	g.logger.Debug("Container started", "service", svc.ID, "endpoint", ep.ID, "containerId", id, "image", ep.Image)

	return remote.Handle{ID: id, ServiceRef: svc.ID, EndpointRef: ep.ID}, nil
}

// Poll reports the container's state. A container that has exited is
// removed once its output has been read.
func (g *Gateway) Poll(ctx context.Context, h remote.Handle) (remote.Status, error) {
	st, err := g.engine.Inspect(ctx, h.ID)
	if err != nil {
		return remote.Status{}, err
	}

	stdout := &cappedBuffer{limit: g.config.LogLimit}
	stderr := &cappedBuffer{limit: g.config.LogLimit}
	if err := g.engine.Logs(ctx, h.ID, stdout, stderr); err != nil {
		return remote.Status{}, err
	}
	out := parseOutput(stdout.String())

	status := remote.Status{Raw: st.Status, Progress: out.progress, Message: out.message}
	switch {
	case st.Running || st.Status == "created" || st.Status == "restarting":
		status.State = remote.StatePending
		return status, nil
	case st.ExitCode == 0:
		status.State = remote.StateSucceeded
		status.Result = out.result()
	default:
		status.State = remote.StateFailed
		status.Error = failureMessage(st, stderr.String())
	}

	g.remove(context.WithoutCancel(ctx), h.ID)
	return status, nil
}

// CancelRemote stops and removes the container.
func (g *Gateway) CancelRemote(ctx context.Context, h remote.Handle) error {
	if err := g.engine.Remove(ctx, h.ID, g.config.StopTimeout); err != nil {
		return err
	}
	g.live.release(h.ID)
	g.logger.Debug("Container cancelled", "containerId", h.ID)
	return nil
}

// Ready checks that the Docker daemon is reachable.
func (g *Gateway) Ready(ctx context.Context) error {
	return g.engine.Ping(ctx)
}

// Services returns the ids of the services this gateway serves.
func (g *Gateway) Services() []string {
	return slices.Sorted(maps.Keys(g.services))
}

// Cleanup removes managed containers this process did not start. They are
// left over from a previous run and nothing will poll them again.
func (g *Gateway) Cleanup(ctx context.Context) (int, error) {
	found, err := g.engine.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range found {
		if _, ours := g.live.get(c.ID); ours {
			continue
		}
		if err := g.engine.Remove(ctx, c.ID, g.config.StopTimeout); err != nil {
			g.logger.Warn("Failed to remove orphaned container", "containerId", c.ID, "running", c.Running, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		g.logger.Info("Removed orphaned containers", "count", removed)
	}
	return removed, nil
}

// Close removes every container still running and releases the client.
func (g *Gateway) Close(ctx context.Context) error {
	for _, id := range g.live.ids() {
		g.remove(ctx, id)
	}
	return g.engine.Close()
}

func (g *Gateway) remove(ctx context.Context, id string) {
	if err := g.engine.Remove(ctx, id, g.config.StopTimeout); err != nil {
		g.logger.Warn("Failed to remove container", "containerId", id, "error", err)
		return
	}
	if c, ok := g.live.release(id); ok {
		g.logger.Debug("Container removed", "containerId", id, "service", c.service, "runtime", time.Since(c.startedAt))
	}
}

// containerEnv renders params as PARAM_<NAME> variables plus JOB_PARAMS
// holding the whole document as JSON. Strings are passed as is, bytes
// base64 encoded and everything else as JSON.
func containerEnv(params job.Params) ([]string, error) {
	all, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Validation("params", fmt.Sprintf("params are not serializable: %v", err))
	}

	env := make([]string, 0, len(params)+1)
	for _, name := range params.Names() {
		var value string
		switch v := params[name].(type) {
		case string:
			value = v
		case []byte:
			value = base64.StdEncoding.EncodeToString(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, apperrors.Validation(name, fmt.Sprintf("parameter %s is not serializable: %v", name, err))
			}
			value = string(encoded)
		}
		env = append(env, envName(name)+"="+value)
	}
	return append(env, "JOB_PARAMS="+string(all)), nil
}

// envName upper-cases name and replaces characters not allowed in
// variable names.
func envName(name string) string {
	var b strings.Builder
	b.WriteString("PARAM_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// output is container stdout split into progress reports and result text.
type output struct {
	progress *float64
	message  string
	lines    []string
}

func parseOutput(stdout string) output {
	var out output
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSuffix(line, "\r")
		rest, isProgress := strings.CutPrefix(line, "PROGRESS ")
		if !isProgress {
			out.lines = append(out.lines, line)
			continue
		}
		fraction, message, _ := strings.Cut(strings.TrimSpace(rest), " ")
		f, err := strconv.ParseFloat(fraction, 64)
		if err != nil {
			out.lines = append(out.lines, line)
			continue
		}
		f = min(max(f, 0), 1)
		out.progress = &f
		out.message = strings.TrimSpace(message)
	}
	return out
}

// result is the non-progress output, decoded when it is JSON.
func (o output) result() any {
	text := strings.TrimSpace(strings.Join(o.lines, "\n"))
	if text == "" {
		return nil
	}
	var v any
	if json.Unmarshal([]byte(text), &v) == nil {
		return v
	}
	return text
}

func failureMessage(st containerState, stderr string) string {
	if st.Error != "" {
		return st.Error
	}
	msg := fmt.Sprintf("container exited with code %d", st.ExitCode)
	if tail := lastLines(stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - int64(b.buf.Len()); room > 0 {
		b.buf.Write(p[:min(int64(len(p)), room)])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
