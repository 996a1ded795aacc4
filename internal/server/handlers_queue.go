package server

import (
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// routeQueueAgents handles GET /queues/{name}/agents.
func (s *Server) routeQueueAgents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	name, _ := splitFirstSegment(PathParamTail(r, "/queues/"))
	if name == "" {
		WriteError(w, http.StatusNotFound, "queue name is required")
		return
	}

	agents, err := s.app.Storage.Queues().ListAgentRecords(r.Context(), name)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if len(agents) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, agents)
}

// routeQueueJobs handles GET /queues/{name}/jobs.
func (s *Server) routeQueueJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	name, _ := splitFirstSegment(PathParamTail(r, "/queues/"))
	if name == "" {
		WriteError(w, http.StatusNotFound, "queue name is required")
		return
	}

	jobs, err := s.app.Storage.Jobs().ListByQueue(r.Context(), name, 0)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// handleQueueWaitTimes handles GET /queues/wait_times?queue=name, computing
// p5/p10/p50/p90/p95 wait-time percentiles from recently completed jobs.
func (s *Server) handleQueueWaitTimes(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		WriteError(w, http.StatusUnprocessableEntity, "queue query parameter is required")
		return
	}

	since := time.Now().Add(-7 * 24 * time.Hour)
	samples, err := s.app.Storage.Jobs().WaitTimeSamples(r.Context(), queue, since)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if len(samples) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	waits := make([]time.Duration, len(samples))
	for i, sample := range samples {
		waits[i] = sample.Wait
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })

	percentiles := models.WaitTimePercentiles{
		P5:  percentile(waits, 5),
		P10: percentile(waits, 10),
		P50: percentile(waits, 50),
		P90: percentile(waits, 90),
		P95: percentile(waits, 95),
	}
	WriteJSON(w, http.StatusOK, percentiles)
}

// percentile returns the p-th percentile of a sorted duration slice,
// interpolating linearly between the two nearest ranks.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}
