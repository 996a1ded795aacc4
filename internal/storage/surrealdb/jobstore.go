package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobRow is the flat row shape stored in the job table. JobData and
// ResultData are stored as serialized JSON blobs rather than native nested
// documents, since their shape is open-ended per phase (see models.Job).
type jobRow struct {
	JobID             string    `json:"id"`
	ParentJobID       string    `json:"parent_job_id,omitempty"`
	ClientID          string    `json:"client_id,omitempty"`
	Queue             string    `json:"job_queue"`
	Priority          int       `json:"job_priority"`
	Tags              []string  `json:"tags,omitempty"`
	GlobalTimeout     int       `json:"global_timeout,omitempty"`
	OutputTimeout     int       `json:"output_timeout,omitempty"`
	JobDataJSON       string    `json:"job_data_json,omitempty"`
	StatusWebhookURL  string    `json:"status_webhook_url,omitempty"`
	AttachmentsStatus string    `json:"attachments_status,omitempty"`
	JobState          string    `json:"job_state"`
	ResultDataJSON    string    `json:"result_data_json,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	StartedAt         time.Time `json:"started_at,omitempty"`
}

func rowFromJob(job *models.Job) (jobRow, error) {
	var jobDataJSON string
	if len(job.JobData) > 0 {
		b, err := json.Marshal(job.JobData)
		if err != nil {
			return jobRow{}, fmt.Errorf("failed to serialize job_data: %w", err)
		}
		jobDataJSON = string(b)
	}
	var resultDataJSON string
	if len(job.ResultData) > 0 {
		b, err := json.Marshal(job.ResultData)
		if err != nil {
			return jobRow{}, fmt.Errorf("failed to serialize result_data: %w", err)
		}
		resultDataJSON = string(b)
	}
	var parent string
	if job.ParentJobID != nil {
		parent = job.ParentJobID.String()
	}
	return jobRow{
		JobID:             job.JobID.String(),
		ParentJobID:       parent,
		ClientID:          job.ClientID,
		Queue:             job.Queue,
		Priority:          job.Priority,
		Tags:              job.Tags,
		GlobalTimeout:     job.GlobalTimeout,
		OutputTimeout:     job.OutputTimeout,
		JobDataJSON:       jobDataJSON,
		StatusWebhookURL:  job.StatusWebhookURL,
		AttachmentsStatus: string(job.AttachmentsStatus),
		JobState:          string(job.JobState),
		ResultDataJSON:    resultDataJSON,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
	}, nil
}

func (r jobRow) toJob() (*models.Job, error) {
	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", r.JobID, err)
	}
	job := &models.Job{
		JobID:             jobID,
		ClientID:          r.ClientID,
		Queue:             r.Queue,
		Priority:          r.Priority,
		Tags:              r.Tags,
		GlobalTimeout:     r.GlobalTimeout,
		OutputTimeout:     r.OutputTimeout,
		StatusWebhookURL:  r.StatusWebhookURL,
		AttachmentsStatus: models.AttachmentsStatus(r.AttachmentsStatus),
		JobState:          models.JobState(r.JobState),
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
	}
	if r.ParentJobID != "" {
		if pid, err := uuid.Parse(r.ParentJobID); err == nil {
			job.ParentJobID = &pid
		}
	}
	if r.JobDataJSON != "" {
		var jd map[string]models.PhaseData
		if err := json.Unmarshal([]byte(r.JobDataJSON), &jd); err != nil {
			return nil, fmt.Errorf("failed to decode job_data: %w", err)
		}
		job.JobData = jd
	}
	if r.ResultDataJSON != "" {
		var rd map[string]interface{}
		if err := json.Unmarshal([]byte(r.ResultDataJSON), &rd); err != nil {
			return nil, fmt.Errorf("failed to decode result_data: %w", err)
		}
		job.ResultData = rd
	}
	return job, nil
}

// JobStore implements interfaces.JobStore using SurrealDB.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// Submit inserts a new waiting job.
func (s *JobStore) Submit(ctx context.Context, job *models.Job) (string, error) {
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	if job.JobState == "" {
		job.JobState = models.JobStateWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.AttachmentsStatus == "" {
		job.AttachmentsStatus = models.AttachmentsAbsent
	}

	row, err := rowFromJob(job)
	if err != nil {
		return "", err
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, parent_job_id = $parent_job_id, client_id = $client_id,
		job_queue = $job_queue, job_priority = $job_priority, tags = $tags,
		global_timeout = $global_timeout, output_timeout = $output_timeout,
		job_data_json = $job_data_json, status_webhook_url = $status_webhook_url,
		attachments_status = $attachments_status, job_state = $job_state,
		result_data_json = $result_data_json, created_at = $created_at, started_at = $started_at`
	vars := map[string]any{
		"rid":                 surrealmodels.NewRecordID("job", row.JobID),
		"job_id":              row.JobID,
		"parent_job_id":       row.ParentJobID,
		"client_id":           row.ClientID,
		"job_queue":           row.Queue,
		"job_priority":        row.Priority,
		"tags":                row.Tags,
		"global_timeout":      row.GlobalTimeout,
		"output_timeout":      row.OutputTimeout,
		"job_data_json":       row.JobDataJSON,
		"status_webhook_url":  row.StatusWebhookURL,
		"attachments_status":  row.AttachmentsStatus,
		"job_state":           row.JobState,
		"result_data_json":    row.ResultDataJSON,
		"created_at":          row.CreatedAt,
		"started_at":          row.StartedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	return row.JobID, nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", jobID)}

	result, err := surrealdb.Query[jobRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	return (*result)[0].Result.toJob()
}

// Update persists changes to an existing job.
func (s *JobStore) Update(ctx context.Context, job *models.Job) error {
	row, err := rowFromJob(job)
	if err != nil {
		return err
	}
	sql := `UPDATE $rid SET
		job_data_json = $job_data_json, attachments_status = $attachments_status,
		job_state = $job_state, result_data_json = $result_data_json, started_at = $started_at`
	vars := map[string]any{
		"rid":                 surrealmodels.NewRecordID("job", row.JobID),
		"job_data_json":       row.JobDataJSON,
		"attachments_status":  row.AttachmentsStatus,
		"job_state":           row.JobState,
		"result_data_json":    row.ResultDataJSON,
		"started_at":          row.StartedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update job %s: %w", row.JobID, err)
	}
	return nil
}

// PopJob atomically claims the highest-priority waiting job across queues:
// select the best candidate, then a conditional UPDATE that only applies if
// the row is still waiting, so a losing concurrent poller's UPDATE silently
// affects zero rows and it simply polls again.
func (s *JobStore) PopJob(ctx context.Context, queues []string) (*models.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	selectSQL := `SELECT * FROM job WHERE job_queue IN $queues AND job_state = $waiting
		AND attachments_status != $awaiting ORDER BY job_priority DESC, created_at ASC LIMIT 1`
	vars := map[string]any{
		"queues":   queues,
		"waiting":  string(models.JobStateWaiting),
		"awaiting": string(models.AttachmentsWaiting),
	}

	candidates, err := surrealdb.Query[[]jobRow](ctx, s.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate job: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}
	candidateRow := (*candidates)[0].Result[0]

	now := time.Now()
	updateSQL := `UPDATE $rid SET job_state = $allocated, started_at = $now WHERE job_state = $waiting`
	updateVars := map[string]any{
		"rid":       surrealmodels.NewRecordID("job", candidateRow.JobID),
		"allocated": string(models.JobStateAllocated),
		"waiting":   string(models.JobStateWaiting),
		"now":       now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, updateSQL, updateVars); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	candidateRow.JobState = string(models.JobStateAllocated)
	candidateRow.StartedAt = now
	return candidateRow.toJob()
}

// CancelJob marks a job cancelled if it has not already finished.
func (s *JobStore) CancelJob(ctx context.Context, jobID string) error {
	sql := `UPDATE $rid SET job_state = $cancelled WHERE job_state != $complete AND job_state != $cancelled`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("job", jobID),
		"cancelled": string(models.JobStateCancelled),
		"complete":  string(models.JobStateComplete),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return nil
}

// Position returns a waiting job's place in its queue.
func (s *JobStore) Position(ctx context.Context, jobID string) (*models.Position, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if job.JobState != models.JobStateWaiting {
		return &models.Position{JobID: job.JobID, Gone: true}, nil
	}

	sql := `SELECT count() AS cnt FROM job WHERE job_queue = $queue AND job_state = $waiting
		AND (job_priority > $priority OR (job_priority = $priority AND created_at < $created_at)) GROUP ALL`
	vars := map[string]any{
		"queue":      job.Queue,
		"waiting":    string(models.JobStateWaiting),
		"priority":   job.Priority,
		"created_at": job.CreatedAt,
	}
	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to compute position: %w", err)
	}
	pos := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		pos = (*results)[0].Result[0].Cnt
	}
	return &models.Position{JobID: job.JobID, Position: pos}, nil
}

// ListByState returns jobs in a given state, newest first.
func (s *JobStore) ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT * FROM job WHERE job_state = $state ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"state": string(state), "limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

// ListByTag returns jobs whose tags intersect the given set.
func (s *JobStore) ListByTag(ctx context.Context, tags []string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT * FROM job WHERE tags CONTAINSANY $tags ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"tags": tags, "limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

// ListByQueue returns jobs currently waiting or allocated on a queue.
func (s *JobStore) ListByQueue(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `SELECT * FROM job WHERE job_queue = $queue
		AND job_state IN ['waiting', 'allocated']
		ORDER BY created_at DESC LIMIT $limit`
	vars := map[string]any{"queue": queue, "limit": limit}
	return s.queryJobs(ctx, sql, vars)
}

// Search returns jobs matching the given filters: "tags" (a comma-separated
// list), "match" ("any" or "all", governing how the tag list combines) and
// "state" (an exact job_state match). A filter key that is absent or empty
// imposes no constraint.
func (s *JobStore) Search(ctx context.Context, filters map[string]string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT * FROM job ORDER BY created_at DESC LIMIT $limit"
	jobs, err := s.queryJobs(ctx, sql, map[string]any{"limit": limit * 4})
	if err != nil {
		return nil, err
	}
	var matches []*models.Job
	for _, job := range jobs {
		if jobMatchesFilters(job, filters) {
			matches = append(matches, job)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

func jobMatchesFilters(job *models.Job, filters map[string]string) bool {
	if state := filters["state"]; state != "" && string(job.JobState) != state {
		return false
	}

	wantTags := filters["tags"]
	if wantTags == "" {
		return true
	}

	have := make(map[string]bool, len(job.Tags))
	for _, t := range job.Tags {
		have[t] = true
	}

	tags := strings.Split(wantTags, ",")
	if filters["match"] == string(models.SearchMatchAll) {
		for _, t := range tags {
			if !have[t] {
				return false
			}
		}
		return true
	}
	for _, t := range tags {
		if have[t] {
			return true
		}
	}
	return false
}

// WaitTimeSamples returns completed-job wait-time samples for a queue.
func (s *JobStore) WaitTimeSamples(ctx context.Context, queue string, since time.Time) ([]models.WaitTimeSample, error) {
	sql := `SELECT created_at, started_at FROM job WHERE job_queue = $queue AND created_at >= $since
		AND started_at != NONE`
	vars := map[string]any{"queue": queue, "since": since}

	type sampleRow struct {
		CreatedAt time.Time `json:"created_at"`
		StartedAt time.Time `json:"started_at"`
	}
	results, err := surrealdb.Query[[]sampleRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query wait time samples: %w", err)
	}
	var samples []models.WaitTimeSample
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			if r.StartedAt.IsZero() {
				continue
			}
			samples = append(samples, models.WaitTimeSample{
				Queue: queue,
				Wait:  r.StartedAt.Sub(r.CreatedAt),
			})
		}
	}
	return samples, nil
}

// ResetAllocated reverts jobs stuck in JobStateAllocated back to waiting.
// Run once at server startup to recover from a crash between PopJob and the
// agent's first status update.
func (s *JobStore) ResetAllocated(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	sql := `UPDATE job SET job_state = $waiting, started_at = NONE
		WHERE job_state = $allocated AND started_at < $cutoff`
	vars := map[string]any{
		"waiting":   string(models.JobStateWaiting),
		"allocated": string(models.JobStateAllocated),
		"cutoff":    cutoff,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to reset allocated jobs: %w", err)
	}
	return 0, nil
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			job, err := row.toJob()
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", row.JobID).Msg("skipping malformed job row")
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// isNotFoundError checks SurrealDB's distinctive not-found error string.
func isNotFoundError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Expected a single result output when using the ONLY keyword")
}

var _ interfaces.JobStore = (*JobStore)(nil)
