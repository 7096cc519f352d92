// Package config handles loading, validating, and applying
// configuration for the foldgate CLI.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/foldgate/internal/audit"
	"github.com/terrpan/foldgate/internal/command"
	"github.com/terrpan/foldgate/internal/probe"
	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/provider/docker"
	"github.com/terrpan/foldgate/internal/provider/gcp"
	"github.com/terrpan/foldgate/internal/provider/tfstate"
	"github.com/terrpan/foldgate/internal/remote"
	"github.com/terrpan/foldgate/internal/state"
	"github.com/terrpan/foldgate/internal/worker"
)

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML values like "30s" or "30m"
// parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Fleet     FleetConfig     `yaml:"fleet"`
	SSH       SSHConfig       `yaml:"ssh"`
	Client    ClientConfig    `yaml:"client"`
	Drain     DrainConfig     `yaml:"drain"`
	Providers ProvidersConfig `yaml:"providers"`
	State     StateConfig     `yaml:"state"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`

	// Operator identifies who is driving this session.  Recorded with
	// every state write and audit entry.  Default: $USER.
	Operator string `yaml:"operator"`
}

// ---------------------------------------------------------------------------
// Fleet
// ---------------------------------------------------------------------------

// FleetConfig lists the workers this installation manages.
type FleetConfig struct {
	Workers []WorkerConfig `yaml:"workers"`
}

// WorkerConfig is one fleet member.
type WorkerConfig struct {
	// Provider names the adapter managing this worker's compute
	// resource ("gcp", "docker", or a tfstate provider name).
	Provider string `yaml:"provider"`

	// Name is the provider-native resource name.
	Name string `yaml:"name"`

	// Address is the host the worker's client listens on.
	Address string `yaml:"address"`
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

// SSHConfig holds the transport settings shared by every worker.
type SSHConfig struct {
	// User is the SSH login user on the workers.  Default: "fold".
	User string `yaml:"user"`

	// KeyPath is the path to the SSH private key (required).
	KeyPath string `yaml:"key_path"`

	// Port is the SSH port.  Default: 22.
	Port int `yaml:"port"`

	// Timeout bounds each remote command.  Default: 10s.
	Timeout Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Folding client
// ---------------------------------------------------------------------------

// ClientConfig describes how to talk to the folding client on each
// worker.
type ClientConfig struct {
	// StatusCommand prints the client's state as JSON.
	// Default: "fold-client status --json".
	StatusCommand string `yaml:"status_command"`

	// DrainCommand tells the client to finish current units and accept
	// no new ones.  Default: "fold-client finish".
	DrainCommand string `yaml:"drain_command"`

	// PauseCommand pauses the client.  Default: "fold-client pause".
	PauseCommand string `yaml:"pause_command"`

	// ResumeCommand resumes a paused client.  Default: "fold-client unpause".
	ResumeCommand string `yaml:"resume_command"`

	// TransportRetries is how many times a failed probe transport is
	// retried before the worker is reported unreachable.  Default: 2.
	TransportRetries int `yaml:"transport_retries"`
}

// ---------------------------------------------------------------------------
// Drain
// ---------------------------------------------------------------------------

// DrainConfig tunes the drain polling loop.
type DrainConfig struct {
	// PollInterval is the delay between probes while waiting for a
	// worker to pause.  Default: 30s.
	PollInterval Duration `yaml:"poll_interval"`

	// Ceiling is the hard upper bound on one worker's drain wait.
	// Reaching it never escalates to a forced stop.  Default: 30m.
	Ceiling Duration `yaml:"ceiling"`

	// Parallelism bounds concurrent per-worker operations in
	// fleet-wide commands.  Default: 8.
	Parallelism int `yaml:"parallelism"`
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProvidersConfig configures the compute provider adapters.  Only the
// providers referenced by fleet workers need to be configured.
type ProvidersConfig struct {
	// GCP holds GCP Compute Engine settings.
	GCP GCPProviderConfig `yaml:"gcp"`

	// Docker enables the Docker adapter for local/dev fleets.
	Docker DockerProviderConfig `yaml:"docker"`

	// TFState configures read-only adapters backed by Terraform state,
	// one per provider whose control plane is not driven from here.
	TFState []TFStateProviderConfig `yaml:"tfstate"`
}

// GCPProviderConfig holds GCP Compute Engine adapter settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when any worker uses the
	// gcp provider).
	Project string `yaml:"project"`

	// Zone is the GCP zone the worker VMs live in (required).
	Zone string `yaml:"zone"`

	// LabelFilter restricts instance listings (e.g. "labels.fleet=fold").
	LabelFilter string `yaml:"label_filter"`

	// APITimeout bounds each Compute Engine API call.  Default: 2m.
	APITimeout Duration `yaml:"api_timeout"`
}

// DockerProviderConfig holds Docker adapter settings.
type DockerProviderConfig struct {
	// Enabled turns the Docker adapter on.  Default: false.
	Enabled bool `yaml:"enabled"`

	// LabelFilter restricts container listings (as "key=value").
	LabelFilter string `yaml:"label_filter"`
}

// TFStateProviderConfig holds one Terraform-state adapter.
type TFStateProviderConfig struct {
	// Provider is the name this adapter answers for ("vultr", ...).
	Provider string `yaml:"provider"`

	// StatePath is the path to the terraform.tfstate file.
	StatePath string `yaml:"state_path"`

	// ResourceType restricts the scan to one Terraform resource type
	// (optional).
	ResourceType string `yaml:"resource_type"`
}

// ---------------------------------------------------------------------------
// Durable storage
// ---------------------------------------------------------------------------

// StateConfig locates the state tracker database.
type StateConfig struct {
	// DBPath is the SQLite database file.  Default:
	// "~/.foldgate/state.db" (with ~ expanded).
	DBPath string `yaml:"db_path"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	// LogPath is the JSONL audit file.  Default: "~/.foldgate/audit.jsonl".
	LogPath string `yaml:"log_path"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default:
	// true when no endpoint is configured.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Operator == "" {
		c.Operator = os.Getenv("USER")
	}
	if c.SSH.User == "" {
		c.SSH.User = "fold"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = Duration(remote.DefaultTimeout)
	}
	if c.Client.StatusCommand == "" {
		c.Client.StatusCommand = probe.DefaultStatusCommand
	}
	if c.Client.DrainCommand == "" {
		c.Client.DrainCommand = "fold-client finish"
	}
	if c.Client.PauseCommand == "" {
		c.Client.PauseCommand = "fold-client pause"
	}
	if c.Client.ResumeCommand == "" {
		c.Client.ResumeCommand = "fold-client unpause"
	}
	if c.Client.TransportRetries == 0 {
		c.Client.TransportRetries = 2
	}
	if c.Drain.PollInterval == 0 {
		c.Drain.PollInterval = Duration(30 * time.Second)
	}
	if c.Drain.Ceiling == 0 {
		c.Drain.Ceiling = Duration(30 * time.Minute)
	}
	if c.Drain.Parallelism == 0 {
		c.Drain.Parallelism = 8
	}
	if c.Providers.GCP.APITimeout == 0 {
		c.Providers.GCP.APITimeout = Duration(2 * time.Minute)
	}
	if c.State.DBPath == "" {
		c.State.DBPath = expandHome("~/.foldgate/state.db")
	}
	if c.Audit.LogPath == "" {
		c.Audit.LogPath = expandHome("~/.foldgate/audit.jsonl")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// Without an explicit endpoint the exporter targets a local
	// collector, which speaks plain HTTP.
	if !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if len(c.Fleet.Workers) == 0 {
		return fmt.Errorf("fleet.workers is empty: nothing to manage")
	}

	seen := make(map[string]bool, len(c.Fleet.Workers))
	for i, w := range c.Fleet.Workers {
		if w.Provider == "" {
			return fmt.Errorf("fleet.workers[%d].provider is required", i)
		}
		if w.Name == "" {
			return fmt.Errorf("fleet.workers[%d].name is required", i)
		}
		if w.Address == "" {
			return fmt.Errorf("fleet.workers[%d].address is required", i)
		}
		key := w.Provider + "/" + w.Name
		if seen[key] {
			return fmt.Errorf("fleet.workers[%d]: duplicate worker %s", i, key)
		}
		seen[key] = true

		if err := c.validateProviderConfigured(w.Provider); err != nil {
			return fmt.Errorf("fleet.workers[%d]: %w", i, err)
		}
	}

	if c.SSH.KeyPath == "" {
		return fmt.Errorf("ssh.key_path is required")
	}

	// The probe's retry count is unsigned; a negative value here would
	// wrap into an effectively infinite retry loop.
	if c.Client.TransportRetries < 0 {
		return fmt.Errorf("client.transport_retries must not be negative")
	}

	for i, tf := range c.Providers.TFState {
		if tf.Provider == "" {
			return fmt.Errorf("providers.tfstate[%d].provider is required", i)
		}
		if tf.StatePath == "" {
			return fmt.Errorf("providers.tfstate[%d].state_path is required", i)
		}
	}

	if c.Operator == "" {
		return fmt.Errorf("operator is required (set it in config or via $USER)")
	}

	return nil
}

// validateProviderConfigured checks that the named provider has enough
// configuration to be constructed.
func (c *Config) validateProviderConfigured(name string) error {
	switch name {
	case "gcp":
		if c.Providers.GCP.Project == "" {
			return fmt.Errorf("providers.gcp.project is required when a worker uses the gcp provider")
		}
		if c.Providers.GCP.Zone == "" {
			return fmt.Errorf("providers.gcp.zone is required when a worker uses the gcp provider")
		}
		return nil
	case "docker":
		if !c.Providers.Docker.Enabled {
			return fmt.Errorf("providers.docker.enabled must be true when a worker uses the docker provider")
		}
		return nil
	default:
		for _, tf := range c.Providers.TFState {
			if tf.Provider == name {
				return nil
			}
		}
		return fmt.Errorf("provider %q is not configured (supported: gcp, docker, or a providers.tfstate entry)", name)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRunner creates the SSH command runner shared by the probe and the
// dispatcher.
func (c *Config) NewRunner() (*remote.SSHRunner, error) {
	return remote.NewSSHRunner(remote.Config{
		User:    c.SSH.User,
		KeyPath: expandHome(c.SSH.KeyPath),
		Port:    c.SSH.Port,
		Timeout: c.SSH.Timeout.Std(),
	})
}

// NewProber creates the read-only worker probe.
func (c *Config) NewProber(runner remote.Runner, logger *slog.Logger) *probe.Prober {
	return probe.New(runner, probe.Config{
		StatusCommand:    c.Client.StatusCommand,
		TransportRetries: uint64(c.Client.TransportRetries),
		Logger:           logger.WithGroup("probe"),
	})
}

// NewDispatcher creates the command dispatcher.
func (c *Config) NewDispatcher(runner remote.Runner, logger *slog.Logger) *command.Dispatcher {
	return command.New(runner, command.Config{
		DrainCommand:  c.Client.DrainCommand,
		PauseCommand:  c.Client.PauseCommand,
		ResumeCommand: c.Client.ResumeCommand,
		Logger:        logger.WithGroup("command"),
	})
}

// NewProviders constructs an adapter for every provider referenced by
// the fleet, each wired to the shared safety guard.
func (c *Config) NewProviders(ctx context.Context, guard provider.Guard, logger *slog.Logger) (provider.Registry, error) {
	needed := make(map[string]bool)
	for _, w := range c.Fleet.Workers {
		needed[w.Provider] = true
	}

	registry := provider.Registry{}

	if needed["gcp"] {
		adapter, err := gcp.New(ctx, gcp.Config{
			Project:     c.Providers.GCP.Project,
			Zone:        c.Providers.GCP.Zone,
			LabelFilter: c.Providers.GCP.LabelFilter,
			APITimeout:  c.Providers.GCP.APITimeout.Std(),
		}, guard, logger.WithGroup("provider.gcp"))
		if err != nil {
			return nil, fmt.Errorf("gcp provider: %w", err)
		}
		registry["gcp"] = adapter
	}

	if needed["docker"] {
		adapter, err := docker.New(docker.Config{
			LabelFilter: c.Providers.Docker.LabelFilter,
		}, guard, logger.WithGroup("provider.docker"))
		if err != nil {
			return nil, fmt.Errorf("docker provider: %w", err)
		}
		registry["docker"] = adapter
	}

	for _, tf := range c.Providers.TFState {
		if !needed[tf.Provider] {
			continue
		}
		adapter, err := tfstate.New(tfstate.Config{
			ProviderName: tf.Provider,
			StatePath:    expandHome(tf.StatePath),
			ResourceType: tf.ResourceType,
		}, logger.WithGroup("provider.tfstate"))
		if err != nil {
			return nil, fmt.Errorf("tfstate provider %q: %w", tf.Provider, err)
		}
		registry[tf.Provider] = adapter
	}

	return registry, nil
}

// NewTracker opens the state tracker database.
func (c *Config) NewTracker() (*state.Tracker, error) {
	return state.Open(expandHome(c.State.DBPath))
}

// NewAudit opens the audit log.
func (c *Config) NewAudit() (*audit.Log, error) {
	return audit.Open(expandHome(c.Audit.LogPath))
}

// WorkerIdentities returns the configured fleet as worker identities,
// in config order.
func (c *Config) WorkerIdentities() []worker.Identity {
	ids := make([]worker.Identity, len(c.Fleet.Workers))
	for i, w := range c.Fleet.Workers {
		ids[i] = worker.Identity{Provider: w.Provider, Name: w.Name, Address: w.Address}
	}
	return ids
}

// FindWorker resolves a worker by name, by "provider/name" when names
// collide across providers, or by the full "provider/name@address"
// form the CLI prints.
func (c *Config) FindWorker(ref string) (worker.Identity, error) {
	if full, err := worker.ParseIdentity(ref); err == nil {
		for _, w := range c.Fleet.Workers {
			if w.Provider == full.Provider && w.Name == full.Name && w.Address == full.Address {
				return full, nil
			}
		}
		return worker.Identity{}, fmt.Errorf("worker %q is not in the configured fleet", ref)
	}

	var matches []worker.Identity
	for _, w := range c.Fleet.Workers {
		id := worker.Identity{Provider: w.Provider, Name: w.Name, Address: w.Address}
		if w.Name == ref || w.Provider+"/"+w.Name == ref {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return worker.Identity{}, fmt.Errorf("worker %q is not in the configured fleet", ref)
	case 1:
		return matches[0], nil
	default:
		return worker.Identity{}, fmt.Errorf("worker %q is ambiguous; use provider/name", ref)
	}
}
