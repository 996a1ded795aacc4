package agent

import "testing"

func TestStatusHandler_RestartSetsFlagAndComment(t *testing.T) {
	h := NewStatusHandler()
	h.Update("operator requested restart", true, false)

	restart, offline, comment := h.Snapshot()
	if !restart {
		t.Error("expected needs_restart to be set")
	}
	if offline {
		t.Error("did not expect needs_offline to be set")
	}
	if comment != "operator requested restart" {
		t.Errorf("unexpected comment: %q", comment)
	}
}

func TestStatusHandler_OfflineTakesPrecedenceOverComment(t *testing.T) {
	h := NewStatusHandler()
	h.Update("offline for maintenance", false, true)
	h.Update("restart requested", true, false)

	restart, offline, comment := h.Snapshot()
	if !restart {
		t.Error("expected needs_restart to be set")
	}
	if !offline {
		t.Error("expected needs_offline to remain set")
	}
	if comment != "offline for maintenance" {
		t.Errorf("expected offline comment to be retained, got %q", comment)
	}
}

func TestStatusHandler_ClearOfflineClearsCommentButNotRestart(t *testing.T) {
	h := NewStatusHandler()
	h.Update("offline for maintenance", true, true)

	h.ClearOffline()

	restart, offline, comment := h.Snapshot()
	if offline {
		t.Error("expected needs_offline to be cleared")
	}
	if comment != "" {
		t.Errorf("expected comment to be cleared, got %q", comment)
	}
	if !restart {
		t.Error("expected needs_restart to persist across ClearOffline")
	}
}

func TestStatusHandler_ClearRestartOnlyClearsRestart(t *testing.T) {
	h := NewStatusHandler()
	h.Update("restart requested", true, false)
	h.ClearRestart()

	restart, _, _ := h.Snapshot()
	if restart {
		t.Error("expected needs_restart to be cleared")
	}
}

func TestStatusHandler_RequestRestartDefersToExistingOfflineComment(t *testing.T) {
	h := NewStatusHandler()
	h.Update("offline: recovery failed", false, true)
	h.RequestRestart()

	restart, offline, comment := h.Snapshot()
	if !restart || !offline {
		t.Fatalf("expected both flags set, got restart=%v offline=%v", restart, offline)
	}
	if comment != "offline: recovery failed" {
		t.Errorf("expected original offline comment to be preserved, got %q", comment)
	}
}
