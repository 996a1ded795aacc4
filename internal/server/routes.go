package server

import (
	"net/http"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)
	mux.HandleFunc("/admin/shutdown", s.handleShutdown)

	// Jobs
	mux.HandleFunc("/v1/job/search", s.handleJobSearch)
	mux.HandleFunc("/v1/job/", s.routeJobByID)
	mux.HandleFunc("/v1/job", s.handleJobRoot)

	// Results
	mux.HandleFunc("/v1/result/", s.routeResultByID)

	// Agents
	mux.HandleFunc("/v1/agents/queues", s.handleAgentQueues)
	mux.HandleFunc("/v1/agents/images/", s.handleAgentImagesGet)
	mux.HandleFunc("/v1/agents/images", s.handleAgentImagesPost)
	mux.HandleFunc("/v1/agents/data/", s.handleAgentData)
	mux.HandleFunc("/v1/agents/data", s.handleAgentData)
	mux.HandleFunc("/v1/agents/provision_logs/", s.handleAgentProvisionLogs)

	// OAuth2 client credentials
	mux.HandleFunc("/v1/oauth2/token", s.handleOAuth2Token)
	mux.HandleFunc("/v1/oauth2/refresh", s.handleOAuth2Refresh)
	mux.HandleFunc("/v1/oauth2/revoke", s.handleOAuth2Revoke)

	// Administration: restricted queues, client permissions, secrets
	mux.HandleFunc("/restricted-queues/", s.routeRestrictedQueues)
	mux.HandleFunc("/restricted-queues", s.routeRestrictedQueues)
	mux.HandleFunc("/client-permissions/", s.routeClientPermissions)
	mux.HandleFunc("/secrets/", s.routeSecrets)

	// Queue introspection
	mux.HandleFunc("/queues/wait_times", s.handleQueueWaitTimes)
	mux.HandleFunc("/queues/", s.routeQueues)

	// WebSocket job-event stream
	mux.HandleFunc("/v1/ws", s.events.ServeWS)
}

// routeQueues dispatches /queues/{name}/agents and /queues/{name}/jobs.
func (s *Server) routeQueues(w http.ResponseWriter, r *http.Request) {
	rest := PathParamTail(r, "/queues/")
	name, sub := splitFirstSegment(rest)
	if name == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	switch sub {
	case "agents":
		s.routeQueueAgents(w, r)
	case "jobs":
		s.routeQueueJobs(w, r)
	default:
		WriteError(w, http.StatusNotFound, "not found")
	}
}
