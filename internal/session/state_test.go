package session

import (
	"testing"

	"github.com/nishisan-dev/tssync/internal/model"
)

func TestTracker_StartsIdle(t *testing.T) {
	tr := NewTracker()
	if tr.State() != model.StateIdle {
		t.Fatalf("expected StateIdle, got %v", tr.State())
	}
	if tr.Progress() != 0 {
		t.Fatalf("expected zero progress, got %d", tr.Progress())
	}
	if tr.Error() != "" {
		t.Fatalf("expected empty error, got %q", tr.Error())
	}
}

func TestTracker_SetStateAndProgress(t *testing.T) {
	tr := NewTracker()
	tr.SetState(model.StateRunning)
	tr.SetProgress(42)

	if tr.State() != model.StateRunning {
		t.Fatalf("expected StateRunning, got %v", tr.State())
	}
	if tr.Progress() != 42 {
		t.Fatalf("expected progress 42, got %d", tr.Progress())
	}
}

func TestTracker_FailRecordsErrorAndTransitions(t *testing.T) {
	tr := NewTracker()
	tr.SetState(model.StateDraining)
	tr.Fail("instrument reported a fault")

	if tr.State() != model.StateError {
		t.Fatalf("expected StateError after Fail, got %v", tr.State())
	}
	if tr.Error() != "instrument reported a fault" {
		t.Fatalf("unexpected error text: %q", tr.Error())
	}
}

func TestTracker_StatusData(t *testing.T) {
	tr := NewTracker()
	tr.SetState(model.StateCompleted)
	tr.SetProgress(100)

	state, progress, errText := tr.StatusData()
	if state != model.StateCompleted.String() {
		t.Fatalf("expected state %q, got %q", model.StateCompleted.String(), state)
	}
	if progress != 100 {
		t.Fatalf("expected progress 100, got %d", progress)
	}
	if errText != "" {
		t.Fatalf("expected empty error text, got %q", errText)
	}
}
