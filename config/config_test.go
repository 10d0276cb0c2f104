package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns defaults completed with the fields that have none.
func validConfig() *Config {
	cfg := Default()
	cfg.Nodes = []NodeConfig{{URL: "http://127.0.0.1:3001", APIKey: "secret"}}
	cfg.Subgraph.Endpoints = map[string]EndpointPair{
		"safes":       {Primary: "http://graph.local/safes"},
		"staking":     {Primary: "http://graph.local/staking"},
		"allocations": {Primary: "http://graph.local/allocations"},
		"rewards":     {Primary: "http://graph.local/rewards"},
		"fundings":    {Primary: "http://graph.local/fundings"},
	}
	return cfg
}

func TestValidate_DefaultsWithEndpointsValid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("completed default config should be valid: %v", err)
	}
}

func TestValidate_RequiresNodes(t *testing.T) {
	cfg := validConfig()
	cfg.Nodes = nil
	if err := Validate(cfg); err == nil {
		t.Error("config without nodes should fail validation")
	}
}

func TestValidate_RequiresAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Nodes[0].APIKey = ""
	if err := Validate(cfg); err == nil {
		t.Error("node without api key should fail validation")
	}
}

func TestValidate_RequiresAllSubgraphEndpoints(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Subgraph.Endpoints, "rewards")
	if err := Validate(cfg); err == nil {
		t.Error("missing subgraph endpoint should fail validation")
	}
}

func TestValidate_RejectsUnknownSubgraphEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Subgraph.Endpoints["tickets"] = EndpointPair{Primary: "http://graph.local/x"}
	if err := Validate(cfg); err == nil {
		t.Error("unknown subgraph endpoint name should fail validation")
	}
}

func TestValidate_RejectsUnknownTask(t *testing.T) {
	cfg := validConfig()
	cfg.Tasks["reticulate_splines"] = Every(time.Minute)
	if err := Validate(cfg); err == nil {
		t.Error("unknown task name should fail validation")
	}
}

func TestValidate_RejectsBothProportionsZero(t *testing.T) {
	cfg := validConfig()
	cfg.Economic.Legacy.Proportion = 0
	cfg.Economic.Sigmoid.Proportion = 0
	if err := Validate(cfg); err == nil {
		t.Error("both model proportions zero should fail validation")
	}
}

func TestValidate_RejectsBadCombine(t *testing.T) {
	cfg := validConfig()
	cfg.Economic.Sigmoid.Combine = "averaged"
	if err := Validate(cfg); err == nil {
		t.Error("unknown sigmoid combine mode should fail validation")
	}
}

func TestValidate_RejectsBadMinVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Peer.MinVersion = "not.a.version"
	if err := Validate(cfg); err == nil {
		t.Error("invalid peer min_version should fail validation")
	}
}

func TestValidate_FundingMustExceedMinBalance(t *testing.T) {
	cfg := validConfig()
	cfg.Channel.MinBalance = 1
	cfg.Channel.FundingAmount = 0.5
	if err := Validate(cfg); err == nil {
		t.Error("funding_amount below min_balance should fail validation")
	}
}

func TestTaskSchedule_OmittedIsDisabled(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Tasks, TaskDistribute)
	if cfg.TaskSchedule(TaskDistribute).Enabled() {
		t.Error("omitted task should be disabled")
	}
	if !cfg.TaskSchedule(TaskHealthcheck).Enabled() {
		t.Error("configured task should be enabled")
	}
}

func TestDefault_AllTasksKnown(t *testing.T) {
	cfg := Default()
	for name := range cfg.Tasks {
		if !contains(KnownTasks, name) {
			t.Errorf("default tasks contain unknown name %q", name)
		}
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctnet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

const minimalYAML = `
nodes:
  - url: http://127.0.0.1:3001
    api_key: secret
subgraph:
  endpoints:
    safes: {primary: http://graph.local/safes, backup: http://backup.local/safes}
    staking: {primary: http://graph.local/staking}
    allocations: {primary: http://graph.local/allocations}
    rewards: {primary: http://graph.local/rewards}
    fundings: {primary: http://graph.local/fundings}
`

func TestLoad_MinimalFileFillsDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APITimeout != 20 {
		t.Errorf("api timeout default not applied, got %d", cfg.APITimeout)
	}
	if cfg.Subgraph.Endpoints["safes"].Backup != "http://backup.local/safes" {
		t.Error("backup endpoint not loaded")
	}
	if got := cfg.TaskSchedule(TaskHealthcheck).Interval(); got != 30*time.Second {
		t.Errorf("default healthcheck interval = %v, want 30s", got)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loading a missing file should fail")
	}
}

func TestLoad_UnknownFieldFails(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+"\nmispelled_section:\n  x: 1\n")
	if _, err := Load(path); err == nil {
		t.Error("unknown top-level field should fail to load")
	}
}

func TestLoad_TaskOverrides(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+`
tasks:
  healthcheck: 5
  distribute: "off"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.TaskSchedule(TaskHealthcheck).Interval(); got != 5*time.Second {
		t.Errorf("healthcheck interval = %v, want 5s", got)
	}
	if cfg.TaskSchedule(TaskDistribute).Enabled() {
		t.Error("distribute should be off")
	}
	// Tasks not mentioned in the file keep their defaults.
	if got := cfg.TaskSchedule(TaskRetrievePeers).Interval(); got != 60*time.Second {
		t.Errorf("retrieve_peers interval = %v, want 60s", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
nodes:
  - url: http://127.0.0.1:3001
  - url: http://127.0.0.1:3002
    api_key: explicit
subgraph:
  endpoints:
    safes: {primary: http://graph.local/safes}
    staking: {primary: http://graph.local/staking}
    allocations: {primary: http://graph.local/allocations}
    rewards: {primary: http://graph.local/rewards}
    fundings: {primary: http://graph.local/fundings}
`)
	t.Setenv(EnvNodeAPIKey, "from-env")
	t.Setenv(EnvDataDir, "/var/lib/ctnet")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Nodes[0].APIKey != "from-env" {
		t.Errorf("empty api_key not filled from env, got %q", cfg.Nodes[0].APIKey)
	}
	if cfg.Nodes[1].APIKey != "explicit" {
		t.Errorf("explicit api_key overwritten, got %q", cfg.Nodes[1].APIKey)
	}
	if cfg.DataDir != "/var/lib/ctnet" {
		t.Errorf("data dir override not applied, got %q", cfg.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level override not applied, got %q", cfg.Log.Level)
	}
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+`
postman:
  batch_size: 0
`)
	if _, err := Load(path); err == nil {
		t.Error("batch_size zero should fail validation on load")
	}
}
