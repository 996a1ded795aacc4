package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStateWaiting        JobState = "waiting"
	JobStateSetup          JobState = "setup"
	JobStateProvision      JobState = "provision"
	JobStateFirmwareUpdate JobState = "firmware_update"
	JobStateTest           JobState = "test"
	JobStateAllocate       JobState = "allocate"
	JobStateAllocated      JobState = "allocated"
	JobStateReserve        JobState = "reserve"
	JobStateCleanup        JobState = "cleanup"
	JobStateCancelled      JobState = "cancelled"
	JobStateComplete       JobState = "complete"
)

// IsTerminal reports whether the state forbids any further transition.
func (s JobState) IsTerminal() bool {
	return s == JobStateCancelled || s == JobStateComplete
}

// Phases is the fixed, ordered pipeline a job runs through on an agent.
// cleanup always runs regardless of how earlier phases exit.
var Phases = []JobState{
	JobStateSetup,
	JobStateProvision,
	JobStateFirmwareUpdate,
	JobStateTest,
	JobStateAllocate,
	JobStateReserve,
}

// AttachmentsStatus gates dispatch: a job awaiting attachments must never be popped.
type AttachmentsStatus string

const (
	AttachmentsAbsent   AttachmentsStatus = "absent"
	AttachmentsWaiting  AttachmentsStatus = "waiting"
	AttachmentsComplete AttachmentsStatus = "complete"
)

// PhaseData is the per-phase data blob submitted with a job. It carries the
// fields every phase recognizes plus an open catch-all for phase-specific
// keys (image, firmware url, test command overrides, ...) so round-tripping
// preserves fields this implementation does not itself interpret.
type PhaseData struct {
	Skip        bool                   `json:"skip,omitempty"`
	Attachments []string               `json:"attachments,omitempty"`
	Secrets     map[string]string      `json:"secrets,omitempty"`
	Extra       map[string]interface{} `json:"-"`
}

// Job is a unit of dispatchable work against a named queue.
type Job struct {
	JobID             uuid.UUID            `json:"job_id"`
	ParentJobID       *uuid.UUID           `json:"parent_job_id,omitempty"`
	ClientID          string                `json:"client_id,omitempty"`
	Queue             string                `json:"job_queue"`
	Priority          int                   `json:"job_priority"`
	Tags              []string              `json:"tags,omitempty"`
	GlobalTimeout     int                   `json:"global_timeout,omitempty"`
	OutputTimeout     int                   `json:"output_timeout,omitempty"`
	JobData           map[string]PhaseData  `json:"-"`
	StatusWebhookURL  string                `json:"status_webhook_url,omitempty"`
	AttachmentsStatus AttachmentsStatus     `json:"attachments_status,omitempty"`
	JobState          JobState              `json:"job_state"`
	ResultData        map[string]interface{} `json:"result_data,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         time.Time             `json:"started_at,omitempty"`
}

// MarshalJSON flattens PhaseData into its wire shape: recognized fields plus
// whatever Extra held, merged at the same level (testflinger convention).
func (p PhaseData) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Skip {
		out["skip"] = true
	}
	if len(p.Attachments) > 0 {
		out["attachments"] = p.Attachments
	}
	if len(p.Secrets) > 0 {
		out["secrets"] = p.Secrets
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the wire document into recognized fields and Extra,
// so unknown phase-specific keys survive a read-modify-write round trip.
func (p *PhaseData) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["skip"].(bool); ok {
		p.Skip = v
		delete(raw, "skip")
	}
	if v, ok := raw["attachments"]; ok {
		var attachments []string
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &attachments)
		}
		p.Attachments = attachments
		delete(raw, "attachments")
	}
	if v, ok := raw["secrets"]; ok {
		var secrets map[string]string
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &secrets)
		}
		p.Secrets = secrets
		delete(raw, "secrets")
	}
	p.Extra = raw
	return nil
}

// jobWire is the flattened on-the-wire shape of Job: phase blocks appear as
// "<phase>_data" siblings of the fixed fields, matching the external API.
type jobWire struct {
	JobID             uuid.UUID              `json:"job_id"`
	ParentJobID       *uuid.UUID             `json:"parent_job_id,omitempty"`
	ClientID          string                 `json:"client_id,omitempty"`
	Queue             string                 `json:"job_queue"`
	Priority          int                    `json:"job_priority"`
	Tags              []string               `json:"tags,omitempty"`
	GlobalTimeout     int                    `json:"global_timeout,omitempty"`
	OutputTimeout     int                    `json:"output_timeout,omitempty"`
	StatusWebhookURL  string                 `json:"status_webhook_url,omitempty"`
	AttachmentsStatus AttachmentsStatus      `json:"attachments_status,omitempty"`
	JobState          JobState               `json:"job_state"`
	ResultData        map[string]interface{} `json:"result_data,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         time.Time              `json:"started_at,omitempty"`
	SetupData         *PhaseData             `json:"setup_data,omitempty"`
	ProvisionData      *PhaseData            `json:"provision_data,omitempty"`
	FirmwareUpdateData *PhaseData            `json:"firmware_update_data,omitempty"`
	TestData           *PhaseData            `json:"test_data,omitempty"`
	AllocateData       *PhaseData            `json:"allocate_data,omitempty"`
	ReserveData        *PhaseData            `json:"reserve_data,omitempty"`
}

var phaseWireKeys = map[JobState]string{
	JobStateSetup:          "setup",
	JobStateProvision:      "provision",
	JobStateFirmwareUpdate: "firmware_update",
	JobStateTest:           "test",
	JobStateAllocate:       "allocate",
	JobStateReserve:        "reserve",
}

// MarshalJSON flattens JobData into "<phase>_data" siblings.
func (j Job) MarshalJSON() ([]byte, error) {
	w := jobWire{
		JobID: j.JobID, ParentJobID: j.ParentJobID, ClientID: j.ClientID,
		Queue: j.Queue, Priority: j.Priority, Tags: j.Tags,
		GlobalTimeout: j.GlobalTimeout, OutputTimeout: j.OutputTimeout,
		StatusWebhookURL: j.StatusWebhookURL, AttachmentsStatus: j.AttachmentsStatus,
		JobState: j.JobState, ResultData: j.ResultData,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt,
	}
	for phase, key := range phaseWireKeys {
		pd, ok := j.JobData[key]
		if !ok {
			continue
		}
		switch phase {
		case JobStateSetup:
			w.SetupData = &pd
		case JobStateProvision:
			w.ProvisionData = &pd
		case JobStateFirmwareUpdate:
			w.FirmwareUpdateData = &pd
		case JobStateTest:
			w.TestData = &pd
		case JobStateAllocate:
			w.AllocateData = &pd
		case JobStateReserve:
			w.ReserveData = &pd
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs JobData from "<phase>_data" siblings.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	j.JobID = w.JobID
	j.ParentJobID = w.ParentJobID
	j.ClientID = w.ClientID
	j.Queue = w.Queue
	j.Priority = w.Priority
	j.Tags = w.Tags
	j.GlobalTimeout = w.GlobalTimeout
	j.OutputTimeout = w.OutputTimeout
	j.StatusWebhookURL = w.StatusWebhookURL
	j.AttachmentsStatus = w.AttachmentsStatus
	j.JobState = w.JobState
	j.ResultData = w.ResultData
	j.CreatedAt = w.CreatedAt
	j.StartedAt = w.StartedAt

	j.JobData = map[string]PhaseData{}
	assign := func(key string, pd *PhaseData) {
		if pd != nil {
			j.JobData[key] = *pd
		}
	}
	assign("setup", w.SetupData)
	assign("provision", w.ProvisionData)
	assign("firmware_update", w.FirmwareUpdateData)
	assign("test", w.TestData)
	assign("allocate", w.AllocateData)
	assign("reserve", w.ReserveData)
	if len(j.JobData) == 0 {
		j.JobData = nil
	}
	return nil
}

// Position describes a waiting job's place in its queue, or that it is no
// longer waiting ("gone").
type Position struct {
	JobID    uuid.UUID `json:"job_id"`
	Position int       `json:"position"`
	Gone     bool      `json:"gone"`
}

// WaitTimeSample is one observed started_at-created_at duration for a queue.
type WaitTimeSample struct {
	Queue string
	Wait  time.Duration
}

// WaitTimePercentiles holds the percentile summary returned by queue_wait_times.
type WaitTimePercentiles struct {
	P5  time.Duration `json:"p5"`
	P10 time.Duration `json:"p10"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
}

// SearchMatch selects how job search tags combine.
type SearchMatch string

const (
	SearchMatchAny SearchMatch = "any"
	SearchMatchAll SearchMatch = "all"
)
