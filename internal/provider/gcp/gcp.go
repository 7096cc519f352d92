// Package gcp implements the provider.Adapter interface against Google
// Cloud Compute Engine.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/worker"
)

// Config holds GCP-specific adapter settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where the fleet's VMs live (required).
	Zone string

	// LabelFilter restricts ListInstances to VMs carrying this label
	// (as "key=value"). Optional; empty lists the whole zone.
	LabelFilter string

	// APITimeout is the strict upper ceiling for one provider API
	// call, including waiting for the resulting operation. After it,
	// the operation is reported as failed, never retried silently.
	// Default: 2m.
	APITimeout time.Duration
}

// operationWaiter is the part of a zonal operation the adapter waits on.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the slice of the Compute Engine instances client the
// adapter uses. Tests substitute a mock; production wraps the real
// client.
type instancesAPI interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) ([]*computepb.Instance, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Close() error
}

// realInstancesClient adapts *compute.InstancesClient to instancesAPI.
type realInstancesClient struct {
	c *compute.InstancesClient
}

func (r *realInstancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r *realInstancesClient) List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) ([]*computepb.Instance, error) {
	it := r.c.List(ctx, req, opts...)
	var instances []*computepb.Instance
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			return instances, nil
		}
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
}

func (r *realInstancesClient) Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return r.c.Stop(ctx, req, opts...)
}

func (r *realInstancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return r.c.Delete(ctx, req, opts...)
}

func (r *realInstancesClient) Close() error {
	return r.c.Close()
}

// Adapter manages fleet VMs through the Compute Engine API.
type Adapter struct {
	client instancesAPI
	guard  provider.Guard
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// New creates a GCP adapter using Application Default Credentials.
func New(ctx context.Context, cfg Config, guard provider.Guard, logger *slog.Logger) (*Adapter, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp adapter initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
	)

	return newAdapter(&realInstancesClient{c: client}, cfg, guard, logger), nil
}

// newAdapter is the seam the tests use.
func newAdapter(client instancesAPI, cfg Config, guard provider.Guard, logger *slog.Logger) *Adapter {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 2 * time.Minute
	}
	return &Adapter{
		client: client,
		guard:  guard,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("foldgate/provider/gcp"),
	}
}

// Name returns "gcp".
func (a *Adapter) Name() string { return "gcp" }

// GetPowerState returns the VM's power state. A 404 is a confirmed
// answer ("NOT_FOUND", not running), distinct from an API failure
// where the actual state stays unknown.
func (a *Adapter) GetPowerState(ctx context.Context, name string) (provider.PowerState, error) {
	ctx, span := a.tracer.Start(ctx, "provider.gcp.GetPowerState")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.APITimeout)
	defer cancel()

	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", a.cfg.Project),
		attribute.String("gcp.zone", a.cfg.Zone),
	)

	inst, err := a.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  a.cfg.Project,
		Zone:     a.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			return provider.PowerState{Name: name, Status: "NOT_FOUND", Running: false}, nil
		}
		return provider.PowerState{}, &worker.ProviderAPIError{
			Provider: "gcp",
			Op:       fmt.Sprintf("get instance %s", name),
			Cause:    err,
		}
	}

	return powerStateOf(inst), nil
}

// ListInstances returns the power state of every VM in the configured
// zone (optionally restricted by label).
func (a *Adapter) ListInstances(ctx context.Context) ([]provider.PowerState, error) {
	ctx, span := a.tracer.Start(ctx, "provider.gcp.ListInstances")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.APITimeout)
	defer cancel()

	req := &computepb.ListInstancesRequest{
		Project: a.cfg.Project,
		Zone:    a.cfg.Zone,
	}
	if a.cfg.LabelFilter != "" {
		key, value, _ := strings.Cut(a.cfg.LabelFilter, "=")
		req.Filter = proto.String(fmt.Sprintf("labels.%s=%s", key, value))
	}

	instances, err := a.client.List(ctx, req)
	if err != nil {
		return nil, &worker.ProviderAPIError{Provider: "gcp", Op: "list instances", Cause: err}
	}

	states := make([]provider.PowerState, 0, len(instances))
	for _, inst := range instances {
		states = append(states, powerStateOf(inst))
	}

	span.SetAttributes(attribute.Int("gcp.instances_count", len(states)))
	return states, nil
}

// Stop powers off the VM. The safety gate is re-run here regardless of
// what the caller already checked; an unconfirmed or unsafe call never
// reaches the API.
func (a *Adapter) Stop(ctx context.Context, id worker.Identity, confirmed bool) error {
	ctx, span := a.tracer.Start(ctx, "provider.gcp.Stop")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id.Name),
		attribute.Bool("stop.confirmed", confirmed),
	)

	if err := provider.Authorize(ctx, a.guard, id, confirmed); err != nil {
		span.AddEvent("stop rejected before any API call")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.APITimeout)
	defer cancel()

	a.logger.Info("stopping VM",
		slog.String("name", id.Name),
		slog.String("zone", a.cfg.Zone),
	)

	op, err := a.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  a.cfg.Project,
		Zone:     a.cfg.Zone,
		Instance: id.Name,
	})
	if err != nil {
		return &worker.ProviderAPIError{
			Provider: "gcp",
			Op:       fmt.Sprintf("stop instance %s", id.Name),
			Cause:    err,
		}
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return &worker.ProviderAPIError{
			Provider: "gcp",
			Op:       fmt.Sprintf("waiting for stop of %s", id.Name),
			Cause:    err,
		}
	}

	a.logger.Info("VM stopped", slog.String("name", id.Name))
	return nil
}

// Destroy permanently deletes the VM. Deleting an already-deleted VM
// is not an error.
func (a *Adapter) Destroy(ctx context.Context, id worker.Identity, confirmed bool) error {
	ctx, span := a.tracer.Start(ctx, "provider.gcp.Destroy")
	defer span.End()

	span.SetAttributes(attribute.String("gcp.instance_name", id.Name))

	if !confirmed {
		return &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.APITimeout)
	defer cancel()

	a.logger.Info("deleting VM",
		slog.String("name", id.Name),
		slog.String("zone", a.cfg.Zone),
	)

	op, err := a.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  a.cfg.Project,
		Zone:     a.cfg.Zone,
		Instance: id.Name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			a.logger.Info("VM already deleted", slog.String("name", id.Name))
			return nil
		}
		return &worker.ProviderAPIError{
			Provider: "gcp",
			Op:       fmt.Sprintf("delete instance %s", id.Name),
			Cause:    err,
		}
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			return nil
		}
		return &worker.ProviderAPIError{
			Provider: "gcp",
			Op:       fmt.Sprintf("waiting for delete of %s", id.Name),
			Cause:    err,
		}
	}

	a.logger.Info("VM destroyed", slog.String("name", id.Name))
	return nil
}

// Close releases the API client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func powerStateOf(inst *computepb.Instance) provider.PowerState {
	status := inst.GetStatus()
	running := false
	switch status {
	case "PROVISIONING", "STAGING", "RUNNING":
		running = true
	}
	return provider.PowerState{
		Name:    inst.GetName(),
		Status:  status,
		Running: running,
	}
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API. The google-cloud-go compute library wraps googleapi.Error;
// string matching survives library version changes better than
// type-asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
