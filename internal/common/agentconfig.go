package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds an agent process's configuration, loaded from a YAML
// file since agent operators hand-edit these files directly on test racks.
type AgentConfig struct {
	Identifier  string       `yaml:"identifier"`
	ServerURL   string       `yaml:"server_url"`
	ClientID    string       `yaml:"client_id"`
	ClientSecret string      `yaml:"client_secret"`
	Queues      []string     `yaml:"queues"`
	Location    string       `yaml:"location"`
	JobQueue    string       `yaml:"job_queue"` // deprecated single-queue alias, merged into Queues
	ExecutorLocalPath string `yaml:"executor_local_path"`
	RunDirectory string      `yaml:"run_directory"`
	PollInterval string      `yaml:"polling_interval"` // duration string, default "10s"
	GlobalTimeout int        `yaml:"global_timeout"`   // seconds, default 10800 (3h)
	OutputTimeout int        `yaml:"output_timeout"`   // seconds, default 900 (15m)
	Provision   ProvisionConfig `yaml:"provision"`
	Phases      map[string]PhaseConfig `yaml:"phases"`
}

// ProvisionConfig holds provisioning-streak behavior.
type ProvisionConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"` // default 3, 0 disables the circuit breaker
}

// PhaseConfig holds per-phase overrides (command, timeout).
type PhaseConfig struct {
	Command []string `yaml:"cmd"`
	Timeout int      `yaml:"timeout"` // seconds, 0 means use the agent's global/output timeout
}

// GetPollInterval parses and returns the queue poll interval.
func (c *AgentConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetGlobalTimeout returns the whole-job timeout, defaulting to 3 hours.
func (c *AgentConfig) GetGlobalTimeout() time.Duration {
	if c.GlobalTimeout <= 0 {
		return 3 * time.Hour
	}
	return time.Duration(c.GlobalTimeout) * time.Second
}

// GetOutputTimeout returns the no-output-progress timeout, defaulting to 15 minutes.
func (c *AgentConfig) GetOutputTimeout() time.Duration {
	if c.OutputTimeout <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.OutputTimeout) * time.Second
}

// EffectiveQueues merges the deprecated single job_queue field into Queues.
func (c *AgentConfig) EffectiveQueues() []string {
	queues := append([]string{}, c.Queues...)
	if c.JobQueue != "" {
		for _, q := range queues {
			if q == c.JobQueue {
				return queues
			}
		}
		queues = append(queues, c.JobQueue)
	}
	return queues
}

// LoadAgentConfig reads and parses an agent YAML config file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config %s: %w", path, err)
	}
	config := &AgentConfig{
		PollInterval: "10s",
		RunDirectory: "/tmp/testflinger-agent",
		Provision:    ProvisionConfig{MaxConsecutiveFailures: 3},
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse agent config %s: %w", path, err)
	}
	if config.Identifier == "" {
		return nil, fmt.Errorf("agent config %s: identifier is required", path)
	}
	return config, nil
}
