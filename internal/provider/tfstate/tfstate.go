// Package tfstate implements the provider.Adapter interface for
// providers whose control plane cannot be trusted from the operator's
// network. Power state is answered from the fleet's Terraform state
// file; destructive operations are declined with a typed
// "manual action required" error pointing the operator at the
// provider's console or Terraform itself.
//
// The state file is only as fresh as the last terraform refresh, which
// is exactly why this adapter refuses to power anything off: a stale
// read must never authorize a destructive action.
package tfstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/worker"
)

// Config holds the adapter settings.
type Config struct {
	// ProviderName is the name this adapter answers for ("vultr",
	// "hetzner", ...). Required.
	ProviderName string

	// StatePath is the path to the terraform.tfstate file (required).
	StatePath string

	// ResourceType restricts the scan to one Terraform resource type
	// (e.g. "vultr_instance"). Optional; empty scans every managed
	// resource.
	ResourceType string
}

// Terraform state file (version 4) — only the parts we read.
type stateFile struct {
	Version   int             `json:"version"`
	Resources []stateResource `json:"resources"`
}

type stateResource struct {
	Mode      string          `json:"mode"`
	Type      string          `json:"type"`
	Instances []stateInstance `json:"instances"`
}

type stateInstance struct {
	Attributes map[string]any `json:"attributes"`
}

// Adapter answers power-state queries from Terraform state and
// declines destructive actions.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// New creates a tfstate adapter. The state file is re-read on every
// query so an operator-side terraform refresh is picked up without a
// restart.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.ProviderName == "" {
		return nil, fmt.Errorf("tfstate: provider name is required")
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("tfstate: state path is required")
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("foldgate/provider/tfstate"),
	}, nil
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.cfg.ProviderName }

// GetPowerState looks the instance up in the Terraform state. A name
// absent from the state is a confirmed "NOT_FOUND".
func (a *Adapter) GetPowerState(ctx context.Context, name string) (provider.PowerState, error) {
	_, span := a.tracer.Start(ctx, "provider.tfstate.GetPowerState")
	defer span.End()

	span.SetAttributes(attribute.String("instance.name", name))

	states, err := a.readState()
	if err != nil {
		return provider.PowerState{}, err
	}

	for _, ps := range states {
		if ps.Name == name {
			return ps, nil
		}
	}
	return provider.PowerState{Name: name, Status: "NOT_FOUND", Running: false}, nil
}

// ListInstances returns every instance found in the Terraform state.
func (a *Adapter) ListInstances(ctx context.Context) ([]provider.PowerState, error) {
	_, span := a.tracer.Start(ctx, "provider.tfstate.ListInstances")
	defer span.End()

	states, err := a.readState()
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("tfstate.instances_count", len(states)))
	return states, nil
}

// Stop always declines: a control plane we do not trust for reads is
// not one we will send a power-off through.
func (a *Adapter) Stop(ctx context.Context, id worker.Identity, confirmed bool) error {
	// Confirmation is still checked first so a missing --confirm is
	// reported as the violation it is, not as a manual-action hint.
	if !confirmed {
		return &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}
	return &worker.ManualActionRequiredError{
		Provider: a.cfg.ProviderName,
		Target:   id.Name,
		Hint:     fmt.Sprintf("stop %s via the %s console, then run terraform refresh", id.Name, a.cfg.ProviderName),
	}
}

// Destroy always declines, pointing at terraform destroy.
func (a *Adapter) Destroy(ctx context.Context, id worker.Identity, confirmed bool) error {
	if !confirmed {
		return &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}
	return &worker.ManualActionRequiredError{
		Provider: a.cfg.ProviderName,
		Target:   id.Name,
		Hint:     fmt.Sprintf("run: terraform destroy -target=%s", id.Name),
	}
}

func (a *Adapter) readState() ([]provider.PowerState, error) {
	data, err := os.ReadFile(a.cfg.StatePath)
	if err != nil {
		return nil, &worker.ProviderAPIError{
			Provider: a.cfg.ProviderName,
			Op:       fmt.Sprintf("reading terraform state %s", a.cfg.StatePath),
			Cause:    err,
		}
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &worker.ProviderAPIError{
			Provider: a.cfg.ProviderName,
			Op:       fmt.Sprintf("parsing terraform state %s", a.cfg.StatePath),
			Cause:    err,
		}
	}

	var states []provider.PowerState
	for _, res := range st.Resources {
		if res.Mode != "managed" {
			continue
		}
		if a.cfg.ResourceType != "" && res.Type != a.cfg.ResourceType {
			continue
		}
		for _, inst := range res.Instances {
			ps, ok := powerStateOf(inst.Attributes)
			if ok {
				states = append(states, ps)
			}
		}
	}

	return states, nil
}

// powerStateOf maps one resource instance's attributes onto a power
// state. Terraform providers disagree on field names, so a few common
// spellings are accepted.
func powerStateOf(attrs map[string]any) (provider.PowerState, bool) {
	name := firstString(attrs, "name", "label", "hostname")
	if name == "" {
		return provider.PowerState{}, false
	}

	status := firstString(attrs, "power_status", "status", "server_status")
	running := false
	switch status {
	case "running", "active", "on":
		running = true
	}

	return provider.PowerState{Name: name, Status: status, Running: running}, true
}

func firstString(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
