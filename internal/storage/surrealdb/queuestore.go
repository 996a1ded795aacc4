package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// agentRow mirrors models.AgentRecord for storage; ProvisionStreak is
// flattened to two columns since SurrealDB struct scanning handles nested
// objects poorly across driver versions.
type agentRow struct {
	Name                string                     `json:"name"`
	State               string                     `json:"state"`
	Queues              []string                   `json:"queues"`
	Location            string                     `json:"location,omitempty"`
	JobID               string                     `json:"job_id,omitempty"`
	LastUpdated         time.Time                  `json:"last_updated"`
	Log                 []string                   `json:"log,omitempty"`
	RestrictedOwnership []string                   `json:"restricted_to,omitempty"`
	ProvisionLog        []models.ProvisionLogEntry  `json:"provision_log,omitempty"`
	ProvisionStreakType string                     `json:"provision_streak_type,omitempty"`
	ProvisionStreakCount int                        `json:"provision_streak_count,omitempty"`
	Comment             string                     `json:"comment,omitempty"`
}

func rowFromAgent(rec *models.AgentRecord) agentRow {
	return agentRow{
		Name:                 rec.Name,
		State:                string(rec.State),
		Queues:               rec.Queues,
		Location:             rec.Location,
		JobID:                rec.JobID,
		LastUpdated:          rec.LastUpdated,
		Log:                  rec.Log,
		RestrictedOwnership:  rec.RestrictedOwnership,
		ProvisionLog:         rec.ProvisionLog,
		ProvisionStreakType:  rec.ProvisionStreak.Type,
		ProvisionStreakCount: rec.ProvisionStreak.Count,
		Comment:              rec.Comment,
	}
}

func (r agentRow) toAgent() *models.AgentRecord {
	return &models.AgentRecord{
		Name:                r.Name,
		State:               models.AgentState(r.State),
		Queues:              r.Queues,
		Location:            r.Location,
		JobID:               r.JobID,
		LastUpdated:         r.LastUpdated,
		Log:                 r.Log,
		RestrictedOwnership: r.RestrictedOwnership,
		ProvisionLog:        r.ProvisionLog,
		ProvisionStreak: models.ProvisionStreak{
			Type:  r.ProvisionStreakType,
			Count: r.ProvisionStreakCount,
		},
		Comment: r.Comment,
	}
}

// QueueStore implements interfaces.QueueStore using SurrealDB.
type QueueStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db *surrealdb.DB, logger *common.Logger) *QueueStore {
	return &QueueStore{db: db, logger: logger}
}

// queueRow is the DB-level representation of a Queue, with Images stored as
// serialized JSON since its per-image shape is open-ended.
type queueRow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImagesJSON  string `json:"images_json,omitempty"`
}

// UpsertQueue merges a queue's description and image map into the catalog.
// A non-empty incoming field overwrites the stored one; images merge key by
// key so one agent announcing a subset of images never clobbers another's.
func (s *QueueStore) UpsertQueue(ctx context.Context, q *models.Queue) error {
	existing, err := s.GetQueue(ctx, q.Name)
	if err != nil {
		return err
	}
	merged := &models.Queue{Name: q.Name, Description: q.Description, Images: map[string]interface{}{}}
	if existing != nil {
		if merged.Description == "" {
			merged.Description = existing.Description
		}
		for k, v := range existing.Images {
			merged.Images[k] = v
		}
	}
	for k, v := range q.Images {
		merged.Images[k] = v
	}

	imagesJSON, err := json.Marshal(merged.Images)
	if err != nil {
		return fmt.Errorf("failed to serialize images for queue %s: %w", q.Name, err)
	}

	sql := `UPSERT $rid SET name = $name, description = $description, images_json = $images_json`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("queue", q.Name),
		"name":        q.Name,
		"description": merged.Description,
		"images_json": string(imagesJSON),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert queue %s: %w", q.Name, err)
	}
	return nil
}

// GetQueue retrieves a queue's catalog entry, or nil if it has never been
// announced by an agent.
func (s *QueueStore) GetQueue(ctx context.Context, name string) (*models.Queue, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("queue", name)}

	result, err := surrealdb.Query[queueRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get queue %s: %w", name, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	return (*result)[0].Result.toQueue()
}

// ListQueues returns every queue in the catalog.
func (s *QueueStore) ListQueues(ctx context.Context) ([]*models.Queue, error) {
	results, err := surrealdb.Query[[]queueRow](ctx, s.db, "SELECT * FROM queue", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	var queues []*models.Queue
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			q, err := row.toQueue()
			if err != nil {
				return nil, err
			}
			queues = append(queues, q)
		}
	}
	return queues, nil
}

func (r queueRow) toQueue() (*models.Queue, error) {
	q := &models.Queue{Name: r.Name, Description: r.Description}
	if r.ImagesJSON != "" {
		if err := json.Unmarshal([]byte(r.ImagesJSON), &q.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images for queue %s: %w", r.Name, err)
		}
	}
	return q, nil
}

// CreateRestrictedQueue registers queue ownership.
func (s *QueueStore) CreateRestrictedQueue(ctx context.Context, q *models.RestrictedQueue) error {
	sql := `UPSERT $rid SET queue = $queue, owners = $owners`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("restricted_queue", q.Name),
		"queue":  q.Name,
		"owners": q.Owners,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create restricted queue %s: %w", q.Name, err)
	}
	return nil
}

// GetRestrictedQueue retrieves a restricted queue's ownership record.
func (s *QueueStore) GetRestrictedQueue(ctx context.Context, name string) (*models.RestrictedQueue, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("restricted_queue", name)}

	type row struct {
		Queue  string   `json:"queue"`
		Owners []string `json:"owners"`
	}
	result, err := surrealdb.Query[row](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get restricted queue %s: %w", name, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	r := (*result)[0].Result
	return &models.RestrictedQueue{Name: r.Queue, Owners: r.Owners}, nil
}

// ListRestrictedQueues lists every restricted queue a client owns, or every
// restricted queue when owner is empty.
func (s *QueueStore) ListRestrictedQueues(ctx context.Context, owner string) ([]*models.RestrictedQueue, error) {
	sql := "SELECT * FROM restricted_queue"
	vars := map[string]any{}
	if owner != "" {
		sql = "SELECT * FROM restricted_queue WHERE owners CONTAINS $owner"
		vars["owner"] = owner
	}

	type row struct {
		Queue  string   `json:"queue"`
		Owners []string `json:"owners"`
	}
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list restricted queues: %w", err)
	}
	var queues []*models.RestrictedQueue
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			queues = append(queues, &models.RestrictedQueue{Name: r.Queue, Owners: r.Owners})
		}
	}
	return queues, nil
}

// DeleteRestrictedQueue removes a restricted queue's ownership record.
func (s *QueueStore) DeleteRestrictedQueue(ctx context.Context, name string) error {
	rid := surrealmodels.NewRecordID("restricted_queue", name)
	type row struct {
		Queue  string   `json:"queue"`
		Owners []string `json:"owners"`
	}
	if _, err := surrealdb.Delete[row](ctx, s.db, rid); err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to delete restricted queue %s: %w", name, err)
	}
	return nil
}

// UpsertAgentRecord creates or replaces an agent's status record.
func (s *QueueStore) UpsertAgentRecord(ctx context.Context, rec *models.AgentRecord) error {
	row := rowFromAgent(rec)
	sql := `UPSERT $rid SET
		name = $name, state = $state, queues = $queues, location = $location,
		job_id = $job_id, last_updated = $last_updated, log = $log,
		restricted_to = $restricted_to, provision_log = $provision_log,
		provision_streak_type = $provision_streak_type, provision_streak_count = $provision_streak_count,
		comment = $comment`
	vars := map[string]any{
		"rid":                    surrealmodels.NewRecordID("agent", row.Name),
		"name":                   row.Name,
		"state":                  row.State,
		"queues":                 row.Queues,
		"location":               row.Location,
		"job_id":                 row.JobID,
		"last_updated":           row.LastUpdated,
		"log":                    row.Log,
		"restricted_to":          row.RestrictedOwnership,
		"provision_log":          row.ProvisionLog,
		"provision_streak_type":  row.ProvisionStreakType,
		"provision_streak_count": row.ProvisionStreakCount,
		"comment":                row.Comment,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert agent record %s: %w", row.Name, err)
	}
	return nil
}

// GetAgentRecord retrieves an agent's status record.
func (s *QueueStore) GetAgentRecord(ctx context.Context, identifier string) (*models.AgentRecord, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("agent", identifier)}

	result, err := surrealdb.Query[agentRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent record %s: %w", identifier, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	return (*result)[0].Result.toAgent(), nil
}

// ListAgentRecords lists agents subscribed to a queue, or every agent when
// queue is empty.
func (s *QueueStore) ListAgentRecords(ctx context.Context, queue string) ([]*models.AgentRecord, error) {
	sql := "SELECT * FROM agent"
	vars := map[string]any{}
	if queue != "" {
		sql = "SELECT * FROM agent WHERE queues CONTAINS $queue"
		vars["queue"] = queue
	}
	results, err := surrealdb.Query[[]agentRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent records: %w", err)
	}
	var agents []*models.AgentRecord
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			agents = append(agents, row.toAgent())
		}
	}
	return agents, nil
}

var _ interfaces.QueueStore = (*QueueStore)(nil)
