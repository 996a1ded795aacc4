package surrealdb

import (
	"context"
	"fmt"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// fragmentRow is the DB-level representation of a LogFragment. Fragments
// are append-only rows, never updated in place, so there is no row id
// derived from job/phase — SurrealDB assigns one per insert.
type fragmentRow struct {
	JobID          string `json:"job_id"`
	LogType        string `json:"log_type"`
	Phase          string `json:"phase"`
	FragmentNumber int    `json:"fragment_number"`
	Timestamp      string `json:"timestamp"`
	LogData        string `json:"log_data"`
}

// FragmentStore implements interfaces.FragmentStore using SurrealDB.
type FragmentStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewFragmentStore creates a new FragmentStore.
func NewFragmentStore(db *surrealdb.DB, logger *common.Logger) *FragmentStore {
	return &FragmentStore{db: db, logger: logger}
}

// AppendFragment stores one fragment of streamed phase output.
func (s *FragmentStore) AppendFragment(ctx context.Context, jobID string, fragment models.LogFragment) error {
	if fragment.JobID == "" {
		fragment.JobID = jobID
	}
	sql := `CREATE log_fragment SET
		job_id = $job_id, log_type = $log_type, phase = $phase,
		fragment_number = $fragment_number, timestamp = $timestamp, log_data = $log_data`
	vars := map[string]any{
		"job_id":          fragment.JobID,
		"log_type":        string(fragment.LogType),
		"phase":           fragment.Phase,
		"fragment_number": fragment.FragmentNumber,
		"timestamp":       fragment.Timestamp,
		"log_data":        fragment.LogData,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append log fragment for job %s: %w", jobID, err)
	}
	return nil
}

// AssemblePhase returns the ordered, concatenated output for a phase,
// restricted to the primary output stream.
func (s *FragmentStore) AssemblePhase(ctx context.Context, jobID, phase string) (models.AssembledPhaseLog, error) {
	sql := `SELECT job_id, log_type, phase, fragment_number, timestamp, log_data FROM log_fragment
		WHERE job_id = $job_id AND phase = $phase AND log_type = $log_type`
	vars := map[string]any{
		"job_id":   jobID,
		"phase":    phase,
		"log_type": string(models.LogTypeOutput),
	}
	results, err := surrealdb.Query[[]models.LogFragment](ctx, s.db, sql, vars)
	if err != nil {
		return models.AssembledPhaseLog{}, fmt.Errorf("failed to assemble phase log for job %s: %w", jobID, err)
	}
	var fragments []models.LogFragment
	if results != nil && len(*results) > 0 {
		fragments = (*results)[0].Result
	}
	return models.AssembleLog(fragments), nil
}

// AssembleLog returns the ordered, concatenated output for a job's entire
// log stream (output or serial), including fragments from every phase,
// starting at startFragment so repeated polling calls fetch only new data.
func (s *FragmentStore) AssembleLog(ctx context.Context, jobID string, logType models.LogType, startFragment int) (models.AssembledPhaseLog, error) {
	sql := `SELECT job_id, log_type, phase, fragment_number, timestamp, log_data FROM log_fragment
		WHERE job_id = $job_id AND log_type = $log_type AND fragment_number >= $start_fragment`
	vars := map[string]any{
		"job_id":         jobID,
		"log_type":       string(logType),
		"start_fragment": startFragment,
	}
	results, err := surrealdb.Query[[]models.LogFragment](ctx, s.db, sql, vars)
	if err != nil {
		return models.AssembledPhaseLog{}, fmt.Errorf("failed to assemble %s log for job %s: %w", logType, jobID, err)
	}
	var fragments []models.LogFragment
	if results != nil && len(*results) > 0 {
		fragments = (*results)[0].Result
	}
	return models.AssembleLog(fragments), nil
}

// PurgeJob deletes every fragment belonging to a job.
func (s *FragmentStore) PurgeJob(ctx context.Context, jobID string) error {
	sql := "DELETE FROM log_fragment WHERE job_id = $job_id"
	vars := map[string]any{"job_id": jobID}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to purge fragments for job %s: %w", jobID, err)
	}
	return nil
}

var _ interfaces.FragmentStore = (*FragmentStore)(nil)
