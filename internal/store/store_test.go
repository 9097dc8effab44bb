package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestAppendAndListReadyOrdering(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	// Appended out of order on purpose; listReady must return oldest first.
	idLate, err := s.Append(KindCheckOut, "subject-a", "device-1", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	idEarly, err := s.Append(KindCheckIn, "subject-a", "device-1", base)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListReady(10)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].IdempotencyID != idEarly || events[1].IdempotencyID != idLate {
		t.Fatalf("expected oldest first, got %s then %s", events[0].IdempotencyID, events[1].IdempotencyID)
	}
	if events[0].Status != StatusPending {
		t.Fatalf("expected pending status, got %s", events[0].Status)
	}
	if idEarly == idLate {
		t.Fatalf("idempotency ids must be unique")
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Append(EventKind("nap-time"), "subject-a", "device-1", time.Now().UTC()); err == nil {
		t.Fatalf("expected unknown kind to error")
	}
}

func TestStatusTransitionsOnlyForward(t *testing.T) {
	s, _ := openTestStore(t)
	id, err := s.Append(KindCheckIn, "subject-a", "device-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// confirmed requires in-flight first
	if err := s.MarkConfirmed(id); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected confirm of pending event to fail, got %v", err)
	}
	if err := s.MarkInFlight(id); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	// a second in-flight for the same id must not apply
	if err := s.MarkInFlight(id); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected double in-flight to fail, got %v", err)
	}
	if err := s.MarkConfirmed(id); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	// confirmed rows are immutable
	if err := s.MarkFailedRetry(id, "boom"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected mutation of confirmed event to fail, got %v", err)
	}

	event, err := s.GetEvent(id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.Status != StatusConfirmed || event.ConfirmedAt == nil {
		t.Fatalf("expected confirmed with timestamp, got %s", event.Status)
	}
	if event.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", event.AttemptCount)
	}
}

func TestMarkFailedRetryRevertsToPending(t *testing.T) {
	s, _ := openTestStore(t)
	id, _ := s.Append(KindCheckIn, "subject-a", "device-1", time.Now().UTC())
	if err := s.MarkInFlight(id); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := s.MarkFailedRetry(id, "connection refused"); err != nil {
		t.Fatalf("mark failed retry: %v", err)
	}

	events, err := s.ListReady(10)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(events) != 1 || events[0].LastError != "connection refused" {
		t.Fatalf("expected pending event with last error, got %+v", events)
	}
}

func TestPendingCountExcludesTerminalStates(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now().UTC()
	idConfirmed, _ := s.Append(KindCheckIn, "subject-a", "device-1", now)
	idFailed, _ := s.Append(KindCheckIn, "subject-b", "device-1", now)
	idPending, _ := s.Append(KindCheckIn, "subject-c", "device-1", now)

	s.MarkInFlight(idConfirmed)
	s.MarkConfirmed(idConfirmed)
	s.MarkInFlight(idFailed)
	s.MarkFailedPermanent(idFailed, "unknown subject")
	s.MarkInFlight(idPending)
	s.MarkFailedRetry(idPending, "timeout")

	count, err := s.PendingCount()
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected pending count 1, got %d", count)
	}

	failed, err := s.ListFailed(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].IdempotencyID != idFailed {
		t.Fatalf("expected one failed-permanent event, got %+v", failed)
	}
}

func TestDiscardOnlyAppliesToFailedPermanent(t *testing.T) {
	s, _ := openTestStore(t)
	id, _ := s.Append(KindCheckIn, "subject-a", "device-1", time.Now().UTC())

	if err := s.Discard(id); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected discard of pending event to fail, got %v", err)
	}
	s.MarkInFlight(id)
	s.MarkFailedPermanent(id, "rejected")
	if err := s.Discard(id); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := s.GetEvent(id); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected event to be gone, got %v", err)
	}
}

func TestInFlightRecoveredOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id, _ := s.Append(KindCheckIn, "subject-a", "device-1", time.Now().UTC())
	if err := s.MarkInFlight(id); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	// Simulate a crash between submission and confirmation.
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.ListReady(10)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(events) != 1 || events[0].IdempotencyID != id {
		t.Fatalf("expected recovered pending event, got %+v", events)
	}
}

func TestRecoverInFlightSweep(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now().UTC()
	idStranded, _ := s.Append(KindCheckIn, "subject-a", "device-1", now)
	idConfirmed, _ := s.Append(KindCheckIn, "subject-b", "device-1", now)

	s.MarkInFlight(idStranded)
	s.MarkInFlight(idConfirmed)
	s.MarkConfirmed(idConfirmed)

	recovered, err := s.RecoverInFlight()
	if err != nil {
		t.Fatalf("recover in-flight: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered row, got %d", recovered)
	}

	events, err := s.ListReady(10)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(events) != 1 || events[0].IdempotencyID != idStranded {
		t.Fatalf("expected stranded event back in the ready set, got %+v", events)
	}
	if events[0].AttemptCount != 1 {
		t.Fatalf("recovery must keep the attempt count, got %d", events[0].AttemptCount)
	}
	if got, _ := s.GetEvent(idConfirmed); got.Status != StatusConfirmed {
		t.Fatalf("confirmed rows must be untouched, got %s", got.Status)
	}
}

func TestPurgeConfirmedRespectsRetentionCutoff(t *testing.T) {
	s, _ := openTestStore(t)
	id, _ := s.Append(KindCheckIn, "subject-a", "device-1", time.Now().UTC())
	s.MarkInFlight(id)
	s.MarkConfirmed(id)

	purged, err := s.PurgeConfirmed(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing inside retention window to be purged, got %d", purged)
	}

	purged, err = s.PurgeConfirmed(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged event, got %d", purged)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	value, err := s.GetSetting(SettingDeviceID)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if value != "" {
		t.Fatalf("expected empty value for missing key, got %q", value)
	}
	if err := s.SetSetting(SettingDeviceID, "device-42"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if err := s.SetSetting(SettingDeviceID, "device-43"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	value, err = s.GetSetting(SettingDeviceID)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if value != "device-43" {
		t.Fatalf("expected device-43, got %q", value)
	}
}
