package paymentstate

import (
	"testing"
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
)

func fixedNow(t *testing.T) func() {
	t.Helper()
	old := Now
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	return func() { Now = old }
}

func TestNewRejectsNilPending(t *testing.T) {
	_, err := New(nil)
	if err != apierr.ErrPendingPluginsNotArray {
		t.Fatalf("expected ErrPendingPluginsNotArray, got %v", err)
	}
}

func TestHappyPathToCompletion(t *testing.T) {
	defer fixedNow(t)()

	s, err := New([]string{"onchain", "lightning"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engaged, err := s.Process()
	if err != nil || !engaged {
		t.Fatalf("Process: engaged=%v err=%v", engaged, err)
	}
	if s.InternalState != InProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", s.InternalState)
	}
	if s.CurrentPlugin == nil || s.CurrentPlugin.Name != "onchain" {
		t.Fatalf("expected current plugin onchain, got %+v", s.CurrentPlugin)
	}

	if err := s.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s.InternalState != Completed {
		t.Fatalf("expected COMPLETED, got %s", s.InternalState)
	}
	if s.CompletedByPlugin == nil || s.CompletedByPlugin.Name != "onchain" {
		t.Fatalf("expected completedByPlugin onchain, got %+v", s.CompletedByPlugin)
	}
	if s.CurrentPlugin != nil {
		t.Fatalf("expected current plugin cleared")
	}
}

func TestFailoverAcrossPlugins(t *testing.T) {
	defer fixedNow(t)()

	s, _ := New([]string{"onchain", "lightning"})
	if _, err := s.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := s.FailCurrentPlugin(); err != nil {
		t.Fatalf("FailCurrentPlugin: %v", err)
	}
	if len(s.TriedPlugins) != 1 || s.TriedPlugins[0].Name != "onchain" {
		t.Fatalf("expected onchain in triedPlugins, got %+v", s.TriedPlugins)
	}
	if err := s.TryNext(); err != nil {
		t.Fatalf("TryNext: %v", err)
	}
	if s.CurrentPlugin == nil || s.CurrentPlugin.Name != "lightning" {
		t.Fatalf("expected current plugin lightning, got %+v", s.CurrentPlugin)
	}
}

func TestProcessFailsWhenNoPluginsRemain(t *testing.T) {
	defer fixedNow(t)()

	s, _ := New([]string{"onchain"})
	if _, err := s.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := s.FailCurrentPlugin(); err != nil {
		t.Fatalf("FailCurrentPlugin: %v", err)
	}
	engaged, err := s.Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if engaged {
		t.Fatalf("expected Process to report no plugin engaged")
	}
	if s.InternalState != Failed {
		t.Fatalf("expected FAILED, got %s", s.InternalState)
	}
}

func TestProcessRejectsWhilePluginInProgress(t *testing.T) {
	defer fixedNow(t)()

	s, _ := New([]string{"onchain", "lightning"})
	if _, err := s.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := s.Process(); err == nil {
		t.Fatalf("expected PLUGIN_IN_PROGRESS error")
	}
}

func TestCancelFromInitialAndInProgress(t *testing.T) {
	s, _ := New([]string{"onchain"})
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel from INITIAL: %v", err)
	}
	if s.InternalState != Cancelled {
		t.Fatalf("expected CANCELLED, got %s", s.InternalState)
	}

	s2, _ := New([]string{"onchain"})
	if _, err := s2.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := s2.Cancel(); err != nil {
		t.Fatalf("Cancel from IN_PROGRESS: %v", err)
	}
	if s2.InternalState != Cancelled {
		t.Fatalf("expected CANCELLED, got %s", s2.InternalState)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	s, _ := New([]string{"onchain"})
	_ = s.Cancel()
	if !s.IsTerminal() {
		t.Fatalf("expected CANCELLED to be terminal")
	}
	if err := s.Cancel(); err == nil {
		t.Fatalf("expected error re-cancelling a terminal state")
	}
	if _, err := s.Process(); err == nil {
		t.Fatalf("expected error processing a terminal state")
	}
}
