package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
)

func TestHandleResultPost_SavesResultAndUpdatesJobState(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{JobID: uuid.New(), Queue: "rpi-lab", JobState: models.JobStateTest}
	storage.jobs.byID[job.JobID.String()] = job

	body := `{"job_state":"complete"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/result/"+job.JobID.String(), bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	s.routeResultByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := storage.results.byJobID[job.JobID.String()]; !ok {
		t.Error("expected result to be persisted")
	}
	if storage.jobs.byID[job.JobID.String()].JobState != models.JobStateComplete {
		t.Error("expected job state to be updated from the result document")
	}
}

func TestHandleResultGet_NoContentWhenMissing(t *testing.T) {
	s, _ := newTestServer()
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/result/"+id.String(), nil)
	rec := httptest.NewRecorder()

	s.routeResultByID(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a missing result, got %d", rec.Code)
	}
}

func TestHandleResultGet_ReturnsStoredResult(t *testing.T) {
	s, storage := newTestServer()
	id := uuid.New().String()
	storage.results.byJobID[id] = &models.ResultDocument{JobState: models.JobStateComplete}

	req := httptest.NewRequest(http.MethodGet, "/v1/result/"+id, nil)
	rec := httptest.NewRecorder()

	s.routeResultByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleResultLog_RejectsUnknownStreamType(t *testing.T) {
	s, _ := newTestServer()
	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/v1/result/"+id+"/log/bogus", nil)
	rec := httptest.NewRecorder()

	s.routeResultByID(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown log stream type, got %d", rec.Code)
	}
}

func TestHandleResultLog_AppendsFragment(t *testing.T) {
	s, storage := newTestServer()
	id := uuid.New().String()
	body := `{"fragment_number":1,"log_data":"hello\n"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/result/"+id+"/log/output", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	s.routeResultByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(storage.fragments.fragments) != 1 {
		t.Fatalf("expected one fragment to be appended, got %d", len(storage.fragments.fragments))
	}
	if storage.fragments.fragments[0].JobID != id {
		t.Errorf("expected fragment job id to be set from the path, got %q", storage.fragments.fragments[0].JobID)
	}
}

func TestHandleResultArtifact_RoundTrip(t *testing.T) {
	s, _ := newTestServer()
	id := uuid.New().String()

	putReq := httptest.NewRequest(http.MethodPost, "/v1/result/"+id+"/artifact", bytes.NewBufferString("artifact-bytes"))
	putRec := httptest.NewRecorder()
	s.routeResultByID(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on artifact upload, got %d", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/result/"+id+"/artifact", nil)
	getRec := httptest.NewRecorder()
	s.routeResultByID(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on artifact download, got %d", getRec.Code)
	}
	if getRec.Body.String() != "artifact-bytes" {
		t.Errorf("expected round-tripped artifact bytes, got %q", getRec.Body.String())
	}
}
