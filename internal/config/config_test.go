package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validGCPConfig returns a minimal Config that passes Validate() with a
// GCP-managed fleet.
func validGCPConfig() *Config {
	return &Config{
		Fleet: FleetConfig{Workers: []WorkerConfig{
			{Provider: "gcp", Name: "fold-worker-1", Address: "10.0.0.1"},
			{Provider: "gcp", Name: "fold-worker-2", Address: "10.0.0.2"},
		}},
		SSH: SSHConfig{KeyPath: "/home/fold/.ssh/id_ed25519"},
		Providers: ProvidersConfig{
			GCP: GCPProviderConfig{Project: "my-project", Zone: "us-central1-a"},
		},
		Operator: "tester",
	}
}

// validTFStateConfig returns a minimal Config with a Terraform-state
// managed fleet.
func validTFStateConfig() *Config {
	return &Config{
		Fleet: FleetConfig{Workers: []WorkerConfig{
			{Provider: "vultr", Name: "fold-worker-3", Address: "45.1.2.3"},
		}},
		SSH: SSHConfig{KeyPath: "/home/fold/.ssh/id_ed25519"},
		Providers: ProvidersConfig{
			TFState: []TFStateProviderConfig{
				{Provider: "vultr", StatePath: "/srv/tf/terraform.tfstate"},
			},
		},
		Operator: "tester",
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidGCPConfig() {
	cfg := validGCPConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidTFStateConfig() {
	cfg := validTFStateConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidDockerConfig() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers = []WorkerConfig{
		{Provider: "docker", Name: "fold-worker-1", Address: "127.0.0.1"},
	}
	cfg.Providers = ProvidersConfig{Docker: DockerProviderConfig{Enabled: true}}
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Fleet validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EmptyFleet() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers = nil
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "fleet.workers")
}

func (s *ConfigValidationSuite) TestValidate_WorkerMissingFields() {
	for _, mutate := range []func(*WorkerConfig){
		func(w *WorkerConfig) { w.Provider = "" },
		func(w *WorkerConfig) { w.Name = "" },
		func(w *WorkerConfig) { w.Address = "" },
	} {
		cfg := validGCPConfig()
		mutate(&cfg.Fleet.Workers[0])
		err := cfg.Validate()
		assert.Error(s.T(), err)
		assert.Contains(s.T(), err.Error(), "fleet.workers[0]")
	}
}

func (s *ConfigValidationSuite) TestValidate_DuplicateWorker() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers[1] = cfg.Fleet.Workers[0]
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "duplicate")
}

// ---------------------------------------------------------------------------
// Provider validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_GCP_MissingProject() {
	cfg := validGCPConfig()
	cfg.Providers.GCP.Project = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "project")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingZone() {
	cfg := validGCPConfig()
	cfg.Providers.GCP.Zone = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "zone")
}

func (s *ConfigValidationSuite) TestValidate_DockerDisabled() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers = []WorkerConfig{
		{Provider: "docker", Name: "fold-worker-1", Address: "127.0.0.1"},
	}
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "providers.docker.enabled")
}

func (s *ConfigValidationSuite) TestValidate_UnknownProvider() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers[0].Provider = "aws"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not configured")
}

func (s *ConfigValidationSuite) TestValidate_TFState_MissingStatePath() {
	cfg := validTFStateConfig()
	cfg.Providers.TFState[0].StatePath = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "state_path")
}

// ---------------------------------------------------------------------------
// SSH validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingKeyPath() {
	cfg := validGCPConfig()
	cfg.SSH.KeyPath = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "ssh.key_path")
}

func (s *ConfigValidationSuite) TestValidate_NegativeTransportRetries() {
	cfg := validGCPConfig()
	cfg.Client.TransportRetries = -1
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "transport_retries")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "fold", cfg.SSH.User)
	assert.Equal(s.T(), 22, cfg.SSH.Port)
	assert.Equal(s.T(), 10*time.Second, cfg.SSH.Timeout.Std())
	assert.Equal(s.T(), "fold-client status --json", cfg.Client.StatusCommand)
	assert.Equal(s.T(), "fold-client finish", cfg.Client.DrainCommand)
	assert.Equal(s.T(), 2, cfg.Client.TransportRetries)
	assert.Equal(s.T(), 30*time.Second, cfg.Drain.PollInterval.Std())
	assert.Equal(s.T(), 30*time.Minute, cfg.Drain.Ceiling.Std())
	assert.Equal(s.T(), 8, cfg.Drain.Parallelism)
	assert.Equal(s.T(), 2*time.Minute, cfg.Providers.GCP.APITimeout.Std())
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.Contains(s.T(), cfg.State.DBPath, "state.db")
	assert.Contains(s.T(), cfg.Audit.LogPath, "audit.jsonl")
}

func (s *ConfigValidationSuite) TestApplyDefaults_OTelInsecureWithoutEndpoint() {
	cfg := &Config{OTel: OTelConfig{Enabled: true}}
	cfg.ApplyDefaults()
	assert.True(s.T(), cfg.OTel.Insecure)
}

func (s *ConfigValidationSuite) TestApplyDefaults_OTelEndpointKeepsTLS() {
	cfg := &Config{OTel: OTelConfig{Enabled: true, Endpoint: "collector.example.com:4318"}}
	cfg.ApplyDefaults()
	assert.False(s.T(), cfg.OTel.Insecure)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_ParsesDurationsAndFleet() {
	content := `
fleet:
  workers:
    - provider: gcp
      name: fold-worker-1
      address: 10.0.0.1
ssh:
  key_path: /home/fold/.ssh/id_ed25519
  timeout: 5s
drain:
  poll_interval: 15s
  ceiling: 45m
providers:
  gcp:
    project: my-project
    zone: us-central1-a
operator: tester
`
	path := filepath.Join(s.T().TempDir(), "foldgate.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), 5*time.Second, cfg.SSH.Timeout.Std())
	assert.Equal(s.T(), 15*time.Second, cfg.Drain.PollInterval.Std())
	assert.Equal(s.T(), 45*time.Minute, cfg.Drain.Ceiling.Std())
	require.Len(s.T(), cfg.Fleet.Workers, 1)
	assert.Equal(s.T(), "fold-worker-1", cfg.Fleet.Workers[0].Name)
}

func (s *ConfigValidationSuite) TestLoad_MissingFileIsNotAnError() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Empty(s.T(), cfg.Fleet.Workers)
}

func (s *ConfigValidationSuite) TestLoad_BadDuration() {
	content := "drain:\n  poll_interval: soon\n"
	path := filepath.Join(s.T().TempDir(), "foldgate.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Worker lookup
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestFindWorker_ByName() {
	cfg := validGCPConfig()
	id, err := cfg.FindWorker("fold-worker-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.1", id.Address)
}

func (s *ConfigValidationSuite) TestFindWorker_ByProviderQualifiedName() {
	cfg := validGCPConfig()
	id, err := cfg.FindWorker("gcp/fold-worker-2")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.2", id.Address)
}

func (s *ConfigValidationSuite) TestFindWorker_ByFullIdentity() {
	cfg := validGCPConfig()
	id, err := cfg.FindWorker("gcp/fold-worker-1@10.0.0.1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.1", id.Address)

	// The full form must match the fleet exactly, address included.
	_, err = cfg.FindWorker("gcp/fold-worker-1@10.9.9.9")
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestFindWorker_NotInFleet() {
	cfg := validGCPConfig()
	_, err := cfg.FindWorker("fold-worker-9")
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestFindWorker_Ambiguous() {
	cfg := validGCPConfig()
	cfg.Fleet.Workers = append(cfg.Fleet.Workers, WorkerConfig{
		Provider: "docker", Name: "fold-worker-1", Address: "127.0.0.1",
	})
	_, err := cfg.FindWorker("fold-worker-1")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "ambiguous")

	id, err := cfg.FindWorker("docker/fold-worker-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "127.0.0.1", id.Address)
}

func (s *ConfigValidationSuite) TestWorkerIdentities_PreservesOrder() {
	cfg := validGCPConfig()
	ids := cfg.WorkerIdentities()
	require.Len(s.T(), ids, 2)
	assert.Equal(s.T(), "fold-worker-1", ids[0].Name)
	assert.Equal(s.T(), "fold-worker-2", ids[1].Name)
}
