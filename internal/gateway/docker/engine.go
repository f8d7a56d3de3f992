package docker

import (
	"context"
	"fastsdk/internal/apperrors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "managed-by"
	labelService   = "service.id"
	labelEndpoint  = "endpoint.id"
	managedBy      = "fastsdk-jobs"
)

// containerSpec describes a job container to create.
type containerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string
}

// containerState is the part of an inspected container the gateway reads.
type containerState struct {
	Running    bool
	Status     string
	ExitCode   int
	Error      string
	FinishedAt time.Time
}

// managedContainer is a container carrying the managed-by label.
type managedContainer struct {
	ID      string
	Running bool
}

// engine is the subset of the Docker API the gateway drives.
type engine interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (containerState, error)
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Remove(ctx context.Context, id string, stopTimeout time.Duration) error
	ListManaged(ctx context.Context) ([]managedContainer, error)
	Ping(ctx context.Context) error
	Close() error
}

// dockerEngine implements engine on the Docker daemon.
type dockerEngine struct {
	client *client.Client
	config Config
}

func newDockerEngine(cfg Config) (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{client: cli, config: cfg}, nil
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("docker.pullImage", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.Network("docker.pullImage", 0, err)
	}
	return nil
}

func (e *dockerEngine) Create(ctx context.Context, spec containerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: e.config.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(e.config.CPU * 1e9),
			Memory:   e.config.Memory,
		},
	}
	if e.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(e.config.Network)
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", classify("docker.createContainer", err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("docker.startContainer", err)
	}
	return nil
}

func (e *dockerEngine) Inspect(ctx context.Context, id string) (containerState, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return containerState{}, classify("docker.inspectContainer", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return containerState{}, apperrors.Internal("docker.inspectContainer", fmt.Errorf("container %s has no state", id))
	}

	st := containerState{
		Running:  inspect.State.Running,
		Status:   string(inspect.State.Status),
		ExitCode: inspect.State.ExitCode,
		Error:    inspect.State.Error,
	}
	if finished, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		st.FinishedAt = finished
	}
	return st, nil
}

// Logs copies the container's demultiplexed output so far.
func (e *dockerEngine) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logs, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return classify("docker.containerLogs", err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return apperrors.Network("docker.containerLogs", 0, err)
	}
	return nil
}

// Remove stops and deletes a container. A container that is already gone is
// not an error.
func (e *dockerEngine) Remove(ctx context.Context, id string, stopTimeout time.Duration) error {
	timeout := int(stopTimeout.Seconds())
	if err := e.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return classify("docker.stopContainer", err)
	}
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return classify("docker.removeContainer", err)
	}
	return nil
}

func (e *dockerEngine) ListManaged(ctx context.Context) ([]managedContainer, error) {
	summaries, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		return nil, classify("docker.listContainers", err)
	}

	out := make([]managedContainer, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, managedContainer{ID: s.ID, Running: s.State == "running"})
	}
	return out, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return apperrors.Network("docker.ping", 0, err)
	}
	return nil
}

func (e *dockerEngine) Close() error {
	return e.client.Close()
}

// classify maps daemon errors onto the error taxonomy. Rejections of the
// request itself are permanent; anything else is treated as the daemon
// being unreachable.
func classify(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return apperrors.Service(op, 404, err.Error())
	case errdefs.IsInvalidArgument(err):
		return apperrors.Service(op, 400, err.Error())
	case errdefs.IsConflict(err):
		return apperrors.Service(op, 409, err.Error())
	case errdefs.IsPermissionDenied(err), errdefs.IsUnauthorized(err):
		return apperrors.Service(op, 403, err.Error())
	default:
		return apperrors.Network(op, 0, err)
	}
}
