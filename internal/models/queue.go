package models

import "time"

// Queue is a named bucket jobs are submitted to and agents subscribe from.
type Queue struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Images      map[string]interface{} `json:"images,omitempty"` // image name -> provisioning blob
}

// RestrictedQueue is a queue whose dispatch is gated by client ownership.
type RestrictedQueue struct {
	Name   string   `json:"queue"`
	Owners []string `json:"owners"`
}

// AgentState is the reported lifecycle state of a running agent.
type AgentState string

const (
	AgentStateWaiting        AgentState = "waiting"
	AgentStateSetup          AgentState = "setup"
	AgentStateProvision      AgentState = "provision"
	AgentStateFirmwareUpdate AgentState = "firmware_update"
	AgentStateTest           AgentState = "test"
	AgentStateAllocate       AgentState = "allocate"
	AgentStateAllocated      AgentState = "allocated"
	AgentStateReserve        AgentState = "reserve"
	AgentStateCleanup        AgentState = "cleanup"
	AgentStateOffline        AgentState = "offline"
	AgentStateMaintenance    AgentState = "maintenance"
	AgentStateRestart        AgentState = "restart"
	AgentStateUnknown        AgentState = "unknown"
)

// ProvisionLogEntry is one entry of an agent's rolling provision-log ring.
type ProvisionLogEntry struct {
	JobID     string    `json:"job_id"`
	ExitCode  int       `json:"exit_code"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvisionStreak tracks consecutive provision outcomes of one kind.
type ProvisionStreak struct {
	Type  string `json:"type"` // "success" or "failure"
	Count int    `json:"count"`
}

// AgentRecord is the server's view of one agent process.
type AgentRecord struct {
	Name                string              `json:"name"`
	State               AgentState          `json:"state"`
	Queues              []string            `json:"queues"`
	Location            string              `json:"location,omitempty"`
	JobID               string              `json:"job_id,omitempty"`
	LastUpdated         time.Time           `json:"last_updated"`
	Log                 []string            `json:"log,omitempty"` // ring of last 100 lines
	RestrictedOwnership []string            `json:"restricted_to,omitempty"`
	ProvisionLog        []ProvisionLogEntry `json:"provision_log,omitempty"` // ring of last 100
	ProvisionStreak     ProvisionStreak     `json:"provision_streak"`
	Comment             string              `json:"comment,omitempty"`
}

// LogRingLimit bounds the agent log and provision log rings.
const LogRingLimit = 100

// AppendRingString appends to a ring buffer capped at LogRingLimit entries,
// dropping the oldest when full.
func AppendRingString(ring []string, line string) []string {
	ring = append(ring, line)
	if len(ring) > LogRingLimit {
		ring = ring[len(ring)-LogRingLimit:]
	}
	return ring
}

// AppendProvisionLog appends to the provision-log ring capped at LogRingLimit.
func AppendProvisionLog(ring []ProvisionLogEntry, entry ProvisionLogEntry) []ProvisionLogEntry {
	ring = append(ring, entry)
	if len(ring) > LogRingLimit {
		ring = ring[len(ring)-LogRingLimit:]
	}
	return ring
}
