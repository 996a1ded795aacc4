// Package interfaces defines storage and transport contracts for the
// dispatch core and its agents.
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/canonical/testflinger-go/internal/models"
)

// JobStore persists jobs and implements the atomic priority dequeue that
// hands a waiting job to exactly one polling agent.
type JobStore interface {
	// Submit inserts a new job in JobStateWaiting. If job.JobID is empty,
	// a UUID is generated.
	Submit(ctx context.Context, job *models.Job) (string, error)

	// Get retrieves a job by id.
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// Update persists changes to an existing job (state, phase data, timestamps).
	Update(ctx context.Context, job *models.Job) error

	// PopJob atomically claims the highest-priority waiting job across the
	// given queues (oldest first on a priority tie), conditionally
	// transitioning it to JobStateAllocated so only one poller wins the
	// race. Returns nil, nil when no job is available.
	PopJob(ctx context.Context, queues []string) (*models.Job, error)

	// CancelJob marks a job cancelled if it has not already finished.
	CancelJob(ctx context.Context, jobID string) error

	// Position returns the job's place in its queue, counting the waiting
	// jobs with a higher priority, or the same priority and an earlier arrival.
	Position(ctx context.Context, jobID string) (*models.Position, error)

	// ListByState returns jobs in a given state, newest first.
	ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error)

	// ListByTag returns jobs whose tags intersect the given set.
	ListByTag(ctx context.Context, tags []string, limit int) ([]*models.Job, error)

	// ListByQueue returns jobs currently waiting or allocated on a queue,
	// newest first. Used by the queue introspection endpoint.
	ListByQueue(ctx context.Context, queue string, limit int) ([]*models.Job, error)

	// Search returns jobs matching the given tag/state filters, used by
	// the multi-tenant job search endpoint.
	Search(ctx context.Context, filters map[string]string, limit int) ([]*models.Job, error)

	// WaitTimeSamples returns completed-job wait-time samples for a queue,
	// used to compute the p5/p10/p50/p90/p95 wait-time percentiles.
	WaitTimeSamples(ctx context.Context, queue string, since time.Time) ([]models.WaitTimeSample, error)

	// ResetAllocated reverts jobs stuck in JobStateAllocated back to
	// JobStateWaiting, run once at server startup to recover from a crash
	// between PopJob and the agent's first status update.
	ResetAllocated(ctx context.Context, olderThan time.Duration) (int, error)
}

// FragmentStore persists streamed output fragments and assembles them into
// a phase's complete log.
type FragmentStore interface {
	// AppendFragment stores one fragment of streamed phase output.
	AppendFragment(ctx context.Context, jobID string, fragment models.LogFragment) error

	// AssemblePhase returns the ordered, concatenated output for a phase.
	AssemblePhase(ctx context.Context, jobID, phase string) (models.AssembledPhaseLog, error)

	// AssembleLog returns the ordered, concatenated output for an entire
	// job's log stream (output or serial), starting at startFragment. Used
	// by the polling log-tail endpoint so repeated calls return only new
	// fragments.
	AssembleLog(ctx context.Context, jobID string, logType models.LogType, startFragment int) (models.AssembledPhaseLog, error)

	// PurgeJob deletes all fragments for a job, called on result expiry.
	PurgeJob(ctx context.Context, jobID string) error
}

// ResultStore persists the final structured result document for a job.
type ResultStore interface {
	SaveResult(ctx context.Context, jobID string, result *models.ResultDocument) error
	GetResult(ctx context.Context, jobID string) (*models.ResultDocument, error)
}

// ClientStore persists registered client credentials and permissions.
type ClientStore interface {
	CreateClient(ctx context.Context, perm *models.ClientPermissions, secret string) error
	GetClient(ctx context.Context, clientID string) (*models.ClientPermissions, error)
	VerifyClientSecret(ctx context.Context, clientID, secret string) (*models.ClientPermissions, error)
	UpdateClient(ctx context.Context, perm *models.ClientPermissions) error
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]*models.ClientPermissions, error)
}

// RefreshTokenStore persists opaque refresh tokens hashed server-side.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken, rawToken string) error
	GetRefreshToken(ctx context.Context, rawToken string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
	RevokeRefreshTokensByClient(ctx context.Context, clientID string) error
	UpdateRefreshTokenLastUsed(ctx context.Context, rawToken string, when time.Time) error
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// QueueStore persists queue metadata, restricted-queue ownership, and agent
// status records.
type QueueStore interface {
	// UpsertQueue merges a queue's description/images into the queue
	// catalog, creating it if absent. Used by agents announcing the
	// queues/images they serve.
	UpsertQueue(ctx context.Context, q *models.Queue) error
	GetQueue(ctx context.Context, name string) (*models.Queue, error)
	ListQueues(ctx context.Context) ([]*models.Queue, error)

	CreateRestrictedQueue(ctx context.Context, q *models.RestrictedQueue) error
	GetRestrictedQueue(ctx context.Context, name string) (*models.RestrictedQueue, error)
	ListRestrictedQueues(ctx context.Context, owner string) ([]*models.RestrictedQueue, error)
	DeleteRestrictedQueue(ctx context.Context, name string) error

	UpsertAgentRecord(ctx context.Context, rec *models.AgentRecord) error
	GetAgentRecord(ctx context.Context, identifier string) (*models.AgentRecord, error)
	ListAgentRecords(ctx context.Context, queue string) ([]*models.AgentRecord, error)
}

// SecretsStore resolves per-client secrets referenced by job phases, backed
// either by an embedded envelope-encrypted document store or an external
// KV-v2-style service.
type SecretsStore interface {
	GetSecret(ctx context.Context, namespace, path string) (*models.Secret, error)
	SetSecret(ctx context.Context, secret *models.Secret) error
	DeleteSecret(ctx context.Context, namespace, path string) error
	ListSecrets(ctx context.Context, namespace string) ([]string, error)
}

// BlobStore stores attachment and artifact archives as opaque byte streams,
// addressed by key. Only a local filesystem backend is implemented.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte) error
	PutReader(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// StorageManager aggregates every store the dispatch core depends on and
// owns their lifecycle.
type StorageManager interface {
	Jobs() JobStore
	Fragments() FragmentStore
	Results() ResultStore
	Clients() ClientStore
	RefreshTokens() RefreshTokenStore
	Queues() QueueStore
	Secrets() SecretsStore
	Attachments() BlobStore
	Artifacts() BlobStore
	Close() error
}
