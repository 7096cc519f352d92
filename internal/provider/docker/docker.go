// Package docker implements the provider.Adapter interface against a
// Docker daemon. It exists for local and development fleets where
// workers run as containers instead of cloud VMs; the safety contract
// is identical.
package docker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/worker"
)

// Config holds Docker-specific adapter settings.
type Config struct {
	// LabelFilter restricts ListInstances to containers carrying this
	// label (as "key=value"). Optional; empty lists all containers.
	LabelFilter string
}

// containerAPI is the slice of the Docker client the adapter uses.
// *dockerclient.Client satisfies it; tests substitute a mock.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Adapter manages fleet workers as Docker containers.
type Adapter struct {
	client containerAPI
	guard  provider.Guard
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// New creates a Docker adapter connected to the daemon from the
// environment (DOCKER_HOST etc.).
func New(cfg Config, guard provider.Guard, logger *slog.Logger) (*Adapter, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("docker adapter initialized")

	return newAdapter(client, cfg, guard, logger), nil
}

// newAdapter is the seam the tests use.
func newAdapter(client containerAPI, cfg Config, guard provider.Guard, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: client,
		guard:  guard,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("foldgate/provider/docker"),
	}
}

// Name returns "docker".
func (a *Adapter) Name() string { return "docker" }

// GetPowerState returns the container's state. A missing container is
// a confirmed "NOT_FOUND" answer, not an API failure.
func (a *Adapter) GetPowerState(ctx context.Context, name string) (provider.PowerState, error) {
	ctx, span := a.tracer.Start(ctx, "provider.docker.GetPowerState")
	defer span.End()

	span.SetAttributes(attribute.String("container.name", name))

	inspect, err := a.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return provider.PowerState{Name: name, Status: "NOT_FOUND", Running: false}, nil
		}
		return provider.PowerState{}, &worker.ProviderAPIError{
			Provider: "docker",
			Op:       fmt.Sprintf("inspect container %s", name),
			Cause:    err,
		}
	}

	status := ""
	running := false
	if inspect.State != nil {
		status = inspect.State.Status
		running = inspect.State.Running
	}

	return provider.PowerState{Name: name, Status: status, Running: running}, nil
}

// ListInstances returns the state of every container in the fleet
// (optionally restricted by label), including stopped ones.
func (a *Adapter) ListInstances(ctx context.Context) ([]provider.PowerState, error) {
	ctx, span := a.tracer.Start(ctx, "provider.docker.ListInstances")
	defer span.End()

	opts := container.ListOptions{All: true}
	if a.cfg.LabelFilter != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", a.cfg.LabelFilter))
	}

	containers, err := a.client.ContainerList(ctx, opts)
	if err != nil {
		return nil, &worker.ProviderAPIError{Provider: "docker", Op: "list containers", Cause: err}
	}

	states := make([]provider.PowerState, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			// Docker prefixes names with "/".
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		states = append(states, provider.PowerState{
			Name:    name,
			Status:  c.State,
			Running: c.State == "running",
		})
	}

	span.SetAttributes(attribute.Int("docker.containers_count", len(states)))
	return states, nil
}

// Stop stops the container. The safety gate is re-run here regardless
// of what the caller already checked.
func (a *Adapter) Stop(ctx context.Context, id worker.Identity, confirmed bool) error {
	ctx, span := a.tracer.Start(ctx, "provider.docker.Stop")
	defer span.End()

	span.SetAttributes(
		attribute.String("container.name", id.Name),
		attribute.Bool("stop.confirmed", confirmed),
	)

	if err := provider.Authorize(ctx, a.guard, id, confirmed); err != nil {
		span.AddEvent("stop rejected before any API call")
		return err
	}

	a.logger.Info("stopping container", slog.String("name", id.Name))

	if err := a.client.ContainerStop(ctx, id.Name, container.StopOptions{}); err != nil {
		return &worker.ProviderAPIError{
			Provider: "docker",
			Op:       fmt.Sprintf("stop container %s", id.Name),
			Cause:    err,
		}
	}

	a.logger.Info("container stopped", slog.String("name", id.Name))
	return nil
}

// Destroy removes the container. Removing an already-removed container
// is not an error.
func (a *Adapter) Destroy(ctx context.Context, id worker.Identity, confirmed bool) error {
	ctx, span := a.tracer.Start(ctx, "provider.docker.Destroy")
	defer span.End()

	span.SetAttributes(attribute.String("container.name", id.Name))

	if !confirmed {
		return &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}

	a.logger.Info("removing container", slog.String("name", id.Name))

	if err := a.client.ContainerRemove(ctx, id.Name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			span.AddEvent("container already removed (idempotent)")
			return nil
		}
		return &worker.ProviderAPIError{
			Provider: "docker",
			Op:       fmt.Sprintf("remove container %s", id.Name),
			Cause:    err,
		}
	}

	return nil
}

// Close releases the Docker client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
