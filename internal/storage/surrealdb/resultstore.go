package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// resultRow stores ResultDocument's open-ended Fields as a serialized JSON
// blob alongside its fixed fields, the same approach taken for Job.
type resultRow struct {
	JobID      string `json:"job_id"`
	JobState   string `json:"job_state"`
	DocJSON    string `json:"doc_json"`
}

// ResultStore implements interfaces.ResultStore using SurrealDB.
type ResultStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewResultStore creates a new ResultStore.
func NewResultStore(db *surrealdb.DB, logger *common.Logger) *ResultStore {
	return &ResultStore{db: db, logger: logger}
}

// SaveResult persists the final structured result document for a job.
func (s *ResultStore) SaveResult(ctx context.Context, jobID string, result *models.ResultDocument) error {
	doc := map[string]interface{}{}
	for k, v := range result.Fields {
		doc[k] = v
	}
	if result.DeviceInfo != nil {
		doc["device_info"] = result.DeviceInfo
	}
	if result.Events != nil {
		doc["events"] = result.Events
	}
	if result.Status != nil {
		doc["status"] = result.Status
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize result document for job %s: %w", jobID, err)
	}

	sql := `UPSERT $rid SET job_id = $job_id, job_state = $job_state, doc_json = $doc_json`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("result", jobID),
		"job_id":    jobID,
		"job_state": string(result.JobState),
		"doc_json":  string(docJSON),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save result for job %s: %w", jobID, err)
	}
	return nil
}

// GetResult retrieves the result document for a job.
func (s *ResultStore) GetResult(ctx context.Context, jobID string) (*models.ResultDocument, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("result", jobID)}

	res, err := surrealdb.Query[resultRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("result not found for job %s", jobID)
		}
		return nil, fmt.Errorf("failed to get result for job %s: %w", jobID, err)
	}
	if res == nil || len(*res) == 0 {
		return nil, fmt.Errorf("result not found for job %s", jobID)
	}
	row := (*res)[0].Result

	doc := &models.ResultDocument{JobState: models.JobState(row.JobState)}
	if row.DocJSON != "" {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(row.DocJSON), &raw); err != nil {
			return nil, fmt.Errorf("failed to decode result document for job %s: %w", jobID, err)
		}
		if v, ok := raw["device_info"].(map[string]interface{}); ok {
			doc.DeviceInfo = v
			delete(raw, "device_info")
		}
		if v, ok := raw["events"]; ok {
			var events []string
			if b, err := json.Marshal(v); err == nil {
				json.Unmarshal(b, &events)
			}
			doc.Events = events
			delete(raw, "events")
		}
		if v, ok := raw["status"]; ok {
			var status map[string]int
			if b, err := json.Marshal(v); err == nil {
				json.Unmarshal(b, &status)
			}
			doc.Status = status
			delete(raw, "status")
		}
		doc.Fields = raw
	}
	return doc, nil
}

var _ interfaces.ResultStore = (*ResultStore)(nil)
