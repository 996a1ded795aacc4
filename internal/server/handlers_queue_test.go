package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canonical/testflinger-go/internal/models"
)

func TestRouteQueueAgents_NoContentWhenEmpty(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/queues/rpi-lab/agents", nil)
	rec := httptest.NewRecorder()

	s.routeQueueAgents(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a queue with no agents, got %d", rec.Code)
	}
}

func TestRouteQueueAgents_ReturnsAgentsForQueue(t *testing.T) {
	s, storage := newTestServer()
	storage.queues.agents["rpi-001"] = &models.AgentRecord{Name: "rpi-001", Queues: []string{"rpi-lab"}}

	req := httptest.NewRequest(http.MethodGet, "/queues/rpi-lab/agents", nil)
	rec := httptest.NewRecorder()

	s.routeQueueAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouteQueueJobs_NoContentWhenEmpty(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/queues/rpi-lab/jobs", nil)
	rec := httptest.NewRecorder()

	s.routeQueueJobs(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a queue with no jobs, got %d", rec.Code)
	}
}

func TestRouteQueueJobs_ReturnsJobsOnQueue(t *testing.T) {
	s, storage := newTestServer()
	job := &models.Job{Queue: "rpi-lab", JobState: models.JobStateWaiting}
	storage.jobs.byID["job-1"] = job

	req := httptest.NewRequest(http.MethodGet, "/queues/rpi-lab/jobs", nil)
	rec := httptest.NewRecorder()

	s.routeQueueJobs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleQueueWaitTimes_RequiresQueueParam(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/queues/wait_times", nil)
	rec := httptest.NewRecorder()

	s.handleQueueWaitTimes(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a queue param, got %d", rec.Code)
	}
}

func TestHandleQueueWaitTimes_NoContentWhenNoSamples(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/queues/wait_times?queue=rpi-lab", nil)
	rec := httptest.NewRecorder()

	s.handleQueueWaitTimes(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when no wait-time samples exist, got %d", rec.Code)
	}
}

func TestPercentile_SingleSampleReturnsItself(t *testing.T) {
	got := percentile([]time.Duration{5 * time.Second}, 50)
	if got != 5*time.Second {
		t.Fatalf("expected 5s, got %s", got)
	}
}

func TestPercentile_InterpolatesBetweenRanks(t *testing.T) {
	sorted := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}

	if got := percentile(sorted, 50); got != 3*time.Second {
		t.Errorf("expected median of 3s, got %s", got)
	}
	if got := percentile(sorted, 0); got != 1*time.Second {
		t.Errorf("expected p0 of 1s, got %s", got)
	}
	if got := percentile(sorted, 100); got != 5*time.Second {
		t.Errorf("expected p100 of 5s, got %s", got)
	}
}

func TestPercentile_EmptySliceReturnsZero(t *testing.T) {
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("expected 0 for an empty sample set, got %s", got)
	}
}
