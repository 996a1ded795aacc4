package models

import (
	"sort"
	"time"
)

// LogType distinguishes the two log streams a phase can emit.
type LogType string

const (
	LogTypeOutput LogType = "output"
	LogTypeSerial LogType = "serial"
)

// LogFragment is a single appended chunk of a phase's log output.
// Fragments are append-only and ordered by FragmentNumber within a
// (job, log_type, phase) group.
type LogFragment struct {
	JobID          string    `json:"job_id"`
	LogType        LogType   `json:"log_type"`
	Phase          string    `json:"phase"`
	FragmentNumber int       `json:"fragment_number"`
	Timestamp      time.Time `json:"timestamp"`
	LogData        string    `json:"log_data"`
}

// AssembledPhaseLog is the reconstructed view of one phase's log stream.
type AssembledPhaseLog struct {
	LastFragmentNumber int    `json:"last_fragment_number"`
	LogData            string `json:"log_data"`
}

// AssembleLog concatenates fragments of a single (job, log_type, phase) group
// in ascending fragment_number order, regardless of arrival order.
func AssembleLog(fragments []LogFragment) AssembledPhaseLog {
	sorted := make([]LogFragment, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FragmentNumber < sorted[j].FragmentNumber
	})

	var out AssembledPhaseLog
	for _, f := range sorted {
		out.LogData += f.LogData
		if f.FragmentNumber > out.LastFragmentNumber {
			out.LastFragmentNumber = f.FragmentNumber
		}
	}
	return out
}

// ResultDocument is the flattened per-job result persisted alongside the job:
// per-phase status codes, reconstructed logs, device_info and job_state.
type ResultDocument struct {
	JobState   JobState               `json:"job_state"`
	DeviceInfo map[string]interface{} `json:"device_info,omitempty"`
	Events     []string               `json:"events,omitempty"`
	Status     map[string]int         `json:"status,omitempty"` // "<phase>" -> exit code
	Fields     map[string]interface{} `json:"-"`                // remaining flattened keys, e.g. "<phase>_output"
}
