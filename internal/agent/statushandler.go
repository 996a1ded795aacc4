package agent

import "sync"

// StatusHandler accumulates restart/offline requests raised mid-phase so the
// engine can act on them at the next phase boundary rather than mid-command.
// Offline always wins over a pending restart.
type StatusHandler struct {
	mu           sync.Mutex
	needsRestart bool
	needsOffline bool
	comment      string
}

// NewStatusHandler returns an idle handler.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{}
}

// Update records a restart or offline request. Offline takes precedence:
// once offline, a plain restart request no longer overwrites the comment.
// Update with restart=false, offline=false is a no-op; clearing offline is
// handled by ClearOffline, which clears the offline flag and the comment.
func (h *StatusHandler) Update(comment string, restart, offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if restart {
		h.needsRestart = true
	}
	if offline {
		h.needsOffline = true
		h.comment = comment
		return
	}
	if restart && !h.needsOffline {
		h.comment = comment
	}
}

// ClearOffline transitions offline=false while currently offline, clearing
// both the offline flag and the comment. needs_restart is untouched.
func (h *StatusHandler) ClearOffline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.needsOffline {
		h.needsOffline = false
		h.comment = ""
	}
}

// ClearRestart is called once the engine has actually restarted the agent.
func (h *StatusHandler) ClearRestart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.needsRestart = false
}

// Snapshot returns the current flags and comment under lock.
func (h *StatusHandler) Snapshot() (needsRestart, needsOffline bool, comment string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needsRestart, h.needsOffline, h.comment
}

// RequestRestart is the SIGUSR1 entry point: it sets the restart flag with
// a fixed comment, deferring to any already-set offline comment.
func (h *StatusHandler) RequestRestart() {
	h.Update("restart requested via SIGUSR1", true, false)
}
