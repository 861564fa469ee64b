package purge

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTable_SingleTransition(t *testing.T) {
	table := NewStatusTable()
	table.Create("purge-1")

	status, ok := table.Get("purge-1")
	if !ok || status != StatusActive {
		t.Fatalf("expected active status, got %v (found=%v)", status, ok)
	}

	if err := table.SetStatus("purge-1", StatusComplete); err != nil {
		t.Fatalf("terminal transition failed: %v", err)
	}
	if err := table.SetStatus("purge-1", StatusFailed); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal on second transition, got %v", err)
	}

	status, ok = table.Get("purge-1")
	if !ok || status != StatusComplete {
		t.Errorf("expected complete status, got %v (found=%v)", status, ok)
	}
}

func TestStatusTable_SetStatusUnknown(t *testing.T) {
	table := NewStatusTable()
	if err := table.SetStatus("nope", StatusComplete); !errors.Is(err, ErrUnknownPurge) {
		t.Errorf("expected ErrUnknownPurge, got %v", err)
	}
}

func TestStatusTable_BackToActiveRejected(t *testing.T) {
	table := NewStatusTable()
	table.Create("purge-1")
	if err := table.SetStatus("purge-1", StatusActive); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal for active re-set, got %v", err)
	}
}

func TestStatusTable_ScheduledRemoval(t *testing.T) {
	table := NewStatusTable()
	defer table.Close()

	table.Create("purge-1")
	if err := table.SetStatus("purge-1", StatusComplete); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	table.ScheduleRemoval("purge-1", 20*time.Millisecond)

	// Present until the delay elapses.
	if _, ok := table.Get("purge-1"); !ok {
		t.Fatal("entry removed before the delay elapsed")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := table.Get("purge-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusActive:   "active",
		StatusComplete: "complete",
		StatusFailed:   "failed",
		Status(42):     "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
