package interfaces

import (
	"context"

	"github.com/canonical/testflinger-go/internal/models"
)

// AgentClient is the dispatch-core-facing view of a test agent's HTTP
// transport, wrapping the dispatch server's REST API behind a narrow
// Go contract.
type AgentClient interface {
	// PopJob polls the server for the next waiting job on the given queues.
	// Returns nil, nil when none is available.
	PopJob(ctx context.Context, queues []string) (*models.Job, error)

	// JobState fetches a job's current lifecycle state.
	JobState(ctx context.Context, jobID string) (models.JobState, error)

	// UpdateJobState reports a job's new lifecycle state to the server.
	UpdateJobState(ctx context.Context, jobID string, state models.JobState) error

	// PostOutput streams a log fragment for a running phase.
	PostOutput(ctx context.Context, jobID, phase string, fragment models.LogFragment) error

	// PostResult uploads the final structured result document.
	PostResult(ctx context.Context, jobID string, result *models.ResultDocument) error

	// GetResult fetches a previously posted result document.
	GetResult(ctx context.Context, jobID string) (*models.ResultDocument, error)

	// PostAgentStatus reports the agent's current status (state, job, streaks).
	PostAgentStatus(ctx context.Context, rec *models.AgentRecord) error

	// PostProvisionLog records one provisioning attempt's outcome.
	PostProvisionLog(ctx context.Context, agentName string, entry models.ProvisionLogEntry) error

	// PostJobEvent relays a status update to a job's configured webhook.
	PostJobEvent(ctx context.Context, jobID string, payload map[string]interface{}) error

	// PostAdvertisedQueues announces the queues this agent serves, with
	// human-readable descriptions.
	PostAdvertisedQueues(ctx context.Context, queues map[string]string) error

	// PostAdvertisedImages announces the provisionable images available
	// per queue this agent serves.
	PostAdvertisedImages(ctx context.Context, images map[string]map[string]interface{}) error

	// UploadArtifact uploads a job's packaged result artifact archive.
	UploadArtifact(ctx context.Context, jobID string, data []byte) error

	// GetAttachments downloads the attachment archive for a job, if any.
	GetAttachments(ctx context.Context, jobID string) ([]byte, error)

	// IsServerReachable reports whether the server answers a cheap health check.
	IsServerReachable(ctx context.Context) bool

	// WaitForServerConnectivity blocks until the server becomes reachable or ctx is done.
	WaitForServerConnectivity(ctx context.Context) error
}
