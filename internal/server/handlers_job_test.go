package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
)

func TestHandleJobSubmit_RequiresQueue(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/job", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing job_queue, got %d", rec.Code)
	}
}

func TestHandleJobSubmit_AssignsIDAndBroadcasts(t *testing.T) {
	s, storage := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/job", bytes.NewBufferString(`{"job_queue":"rpi-lab"}`))
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["job_id"] == "" {
		t.Fatal("expected a job_id in the response")
	}
	if _, ok := storage.jobs.byID[body["job_id"]]; !ok {
		t.Error("expected the submitted job to be persisted")
	}
}

func TestHandleJobSubmit_RejectsRestrictedQueueWithoutPermission(t *testing.T) {
	s, storage := newTestServer()
	storage.queues.restricted = map[string]*models.RestrictedQueue{
		"secure-lab": {Name: "secure-lab", Owners: []string{"someone-else"}},
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/job", bytes.NewBufferString(`{"job_queue":"secure-lab"}`))
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for restricted queue without auth, got %d", rec.Code)
	}
}

func TestHandleJobPop_NoContentWhenQueueEmpty(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/job?queue=rpi-lab", nil)
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when no job is waiting, got %d", rec.Code)
	}
}

func TestHandleJobPop_MissingQueueParamIsBadRequest(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a queue param, got %d", rec.Code)
	}
}

func TestHandleJobPop_ReturnsWaitingJob(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateWaiting}
	storage.jobs.byID[job.JobID.String()] = job

	req := httptest.NewRequest(http.MethodGet, "/v1/job?queue=rpi-lab", nil)
	rec := httptest.NewRecorder()

	s.handleJobRoot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleJobGet_NotFoundForUnknownJob(t *testing.T) {
	s, _ := newTestServer()
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/job/"+id.String(), nil)
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestHandleJobGet_ReturnsKnownJob(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateWaiting}
	storage.jobs.byID[job.JobID.String()] = job

	req := httptest.NewRequest(http.MethodGet, "/v1/job/"+job.JobID.String(), nil)
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleJobGet_InvalidIDIsBadRequest(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/job/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed job id, got %d", rec.Code)
	}
}

func TestHandleJobAction_CancelsWaitingJob(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateWaiting}
	storage.jobs.byID[job.JobID.String()] = job

	req := httptest.NewRequest(http.MethodPost, "/v1/job/"+job.JobID.String()+"/action", bytes.NewBufferString(`{"action":"cancel"}`))
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if storage.jobs.byID[job.JobID.String()].JobState != models.JobStateCancelled {
		t.Error("expected job to transition to cancelled")
	}
}

func TestHandleJobAction_RejectsCancelOnTerminalJob(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateComplete}
	storage.jobs.byID[job.JobID.String()] = job

	req := httptest.NewRequest(http.MethodPost, "/v1/job/"+job.JobID.String()+"/action", bytes.NewBufferString(`{"action":"cancel"}`))
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cancelling a terminal job, got %d", rec.Code)
	}
}

func TestHandleJobAction_RejectsUnknownAction(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateWaiting}
	storage.jobs.byID[job.JobID.String()] = job

	req := httptest.NewRequest(http.MethodPost, "/v1/job/"+job.JobID.String()+"/action", bytes.NewBufferString(`{"action":"teleport"}`))
	rec := httptest.NewRecorder()

	s.routeJobByID(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unknown action, got %d", rec.Code)
	}
}
