// Package agent implements the Testflinger test agent: the long-running
// process that polls a dispatch server for jobs on its configured queues and
// drives them through the fixed phase sequence on local or lab hardware.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's YAML configuration file. Field names match the keys
// recognized on disk; unknown keys are ignored by yaml.v3.
type Config struct {
	AgentID          string   `yaml:"agent_id"`
	PollingInterval  int      `yaml:"polling_interval"` // seconds
	ServerAddress    string   `yaml:"server_address"`
	ExecutionBaseDir string   `yaml:"execution_basedir"`
	LoggingBaseDir   string   `yaml:"logging_basedir"`
	ResultsBaseDir   string   `yaml:"results_basedir"`
	LoggingLevel     string   `yaml:"logging_level"`
	LoggingQuiet     bool     `yaml:"logging_quiet"`
	JobQueues        []string `yaml:"job_queues"`

	SetupCommand          string `yaml:"setup_command"`
	ProvisionCommand      string `yaml:"provision_command"`
	FirmwareUpdateCommand string `yaml:"firmware_update_command"`
	TestCommand           string `yaml:"test_command"`
	AllocateCommand       string `yaml:"allocate_command"`
	ReserveCommand        string `yaml:"reserve_command"`
	CleanupCommand        string `yaml:"cleanup_command"`

	GlobalTimeout int `yaml:"global_timeout"` // seconds, default per job unless overridden
	OutputTimeout int `yaml:"output_timeout"` // seconds, test phase only

	OutputBytes int `yaml:"output_bytes"` // parsed and defaulted; the runner applies no output cap

	AdvertisedQueues map[string]string                 `yaml:"advertised_queues"`
	AdvertisedImages map[string]map[string]interface{} `yaml:"advertised_images"`
}

const (
	defaultPollingInterval = 10 * time.Second
	defaultGlobalTimeout   = 4 * 60 * 60 // 4 hours
	defaultOutputTimeout   = 15 * 60     // 15 minutes
	defaultOutputBytes     = 1 << 20     // 1 MiB
)

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = int(defaultPollingInterval / time.Second)
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = defaultGlobalTimeout
	}
	if c.OutputTimeout <= 0 {
		c.OutputTimeout = defaultOutputTimeout
	}
	if c.OutputBytes <= 0 {
		c.OutputBytes = defaultOutputBytes
	}
	if c.LoggingLevel == "" {
		c.LoggingLevel = "info"
	}
	if c.ExecutionBaseDir == "" {
		c.ExecutionBaseDir = "/tmp/testflinger-agent"
	}
	if c.LoggingBaseDir == "" {
		c.LoggingBaseDir = c.ExecutionBaseDir
	}
	if c.ResultsBaseDir == "" {
		c.ResultsBaseDir = c.ExecutionBaseDir
	}
}

func (c *Config) validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent config: agent_id is required")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("agent config: server_address is required")
	}
	if len(c.JobQueues) == 0 {
		return fmt.Errorf("agent config: job_queues must list at least one queue")
	}
	return nil
}

// PollingIntervalDuration returns the configured polling interval as a
// time.Duration.
func (c *Config) PollingIntervalDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// GlobalTimeoutDuration returns the configured default global timeout.
func (c *Config) GlobalTimeoutDuration() time.Duration {
	return time.Duration(c.GlobalTimeout) * time.Second
}

// OutputTimeoutDuration returns the configured test-phase output timeout.
func (c *Config) OutputTimeoutDuration() time.Duration {
	return time.Duration(c.OutputTimeout) * time.Second
}

// CommandFor returns the configured shell command for a phase, and whether
// one was configured at all. An empty, unconfigured phase is skipped.
func (c *Config) CommandFor(phase string) (string, bool) {
	switch phase {
	case "setup":
		return c.SetupCommand, c.SetupCommand != ""
	case "provision":
		return c.ProvisionCommand, c.ProvisionCommand != ""
	case "firmware_update":
		return c.FirmwareUpdateCommand, c.FirmwareUpdateCommand != ""
	case "test":
		return c.TestCommand, c.TestCommand != ""
	case "allocate":
		return c.AllocateCommand, c.AllocateCommand != ""
	case "reserve":
		return c.ReserveCommand, c.ReserveCommand != ""
	case "cleanup":
		return c.CleanupCommand, c.CleanupCommand != ""
	default:
		return "", false
	}
}
