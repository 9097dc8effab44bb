package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindCheckIn  EventKind = "check-in"
	KindCheckOut EventKind = "check-out"
)

type EventStatus string

const (
	StatusPending         EventStatus = "pending"
	StatusInFlight        EventStatus = "in-flight"
	StatusConfirmed       EventStatus = "confirmed"
	StatusFailedPermanent EventStatus = "failed-permanent"
)

// ErrStorage wraps every SQLite failure surfaced by the store. Callers must
// treat it as a blocking condition: an attendance event that cannot be made
// durable is never silently dropped.
var ErrStorage = errors.New("storage_failure")

// ErrEventNotFound reports a transition or discard against an unknown
// idempotency id, or one whose status forbids the requested transition.
var ErrEventNotFound = errors.New("event_not_found")

type PendingEvent struct {
	IdempotencyID string
	Kind          EventKind
	SubjectID     string
	DeviceID      string
	OccurredAt    time.Time
	Status        EventStatus
	AttemptCount  int
	LastAttemptAt *time.Time
	LastError     string
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
}

func normalizeKind(kind string) (EventKind, error) {
	switch EventKind(kind) {
	case KindCheckIn, KindCheckOut:
		return EventKind(kind), nil
	default:
		return "", fmt.Errorf("invalid event kind %q", kind)
	}
}

// Append durably persists a new event and returns its idempotency id. The
// id is generated here, once, and is never reassigned on retry.
func (s *Store) Append(kind EventKind, subjectID, deviceID string, occurredAt time.Time) (string, error) {
	if _, err := normalizeKind(string(kind)); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO pending_events (idempotency_id, kind, subject_id, device_id, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, string(kind), subjectID, deviceID, occurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return id, nil
}

// ListReady returns pending events oldest first, so check-in/check-out pairs
// for the same subject keep their temporal order on the wire.
func (s *Store) ListReady(limit int) ([]PendingEvent, error) {
	rows, err := s.db.Query(
		`SELECT idempotency_id, kind, subject_id, device_id, occurred_at, status,
		        attempt_count, last_attempt_at, last_error, confirmed_at, created_at
		 FROM pending_events
		 WHERE status = 'pending'
		 ORDER BY occurred_at ASC, created_at ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list ready: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListFailed returns failed-permanent events for operator review.
func (s *Store) ListFailed(limit int) ([]PendingEvent, error) {
	rows, err := s.db.Query(
		`SELECT idempotency_id, kind, subject_id, device_id, occurred_at, status,
		        attempt_count, last_attempt_at, last_error, confirmed_at, created_at
		 FROM pending_events
		 WHERE status = 'failed-permanent'
		 ORDER BY occurred_at ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list failed: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]PendingEvent, error) {
	var events []PendingEvent
	for rows.Next() {
		var (
			ev            PendingEvent
			kind, status  string
			occurredAt    string
			createdAt     string
			lastAttemptAt sql.NullString
			lastError     sql.NullString
			confirmedAt   sql.NullString
		)
		if err := rows.Scan(&ev.IdempotencyID, &kind, &ev.SubjectID, &ev.DeviceID, &occurredAt,
			&status, &ev.AttemptCount, &lastAttemptAt, &lastError, &confirmedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrStorage, err)
		}
		ev.Kind = EventKind(kind)
		ev.Status = EventStatus(status)
		ev.OccurredAt = parseStoredTime(occurredAt)
		ev.CreatedAt = parseStoredTime(createdAt)
		if lastAttemptAt.Valid {
			t := parseStoredTime(lastAttemptAt.String)
			ev.LastAttemptAt = &t
		}
		if lastError.Valid {
			ev.LastError = lastError.String
		}
		if confirmedAt.Valid {
			t := parseStoredTime(confirmedAt.String)
			ev.ConfirmedAt = &t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrStorage, err)
	}
	return events, nil
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	// CURRENT_TIMESTAMP defaults come back without the T separator.
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// MarkInFlight transitions pending -> in-flight. Returns ErrEventNotFound if
// the event is missing or not pending, which keeps the transition graph
// strictly forward even under concurrent callers.
func (s *Store) MarkInFlight(idempotencyID string) error {
	return s.transition(
		`UPDATE pending_events
		 SET status = 'in-flight', attempt_count = attempt_count + 1,
		     last_attempt_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE idempotency_id = ? AND status = 'pending'`, idempotencyID)
}

// MarkConfirmed transitions in-flight -> confirmed. Confirmed rows are
// immutable and eligible for retention GC.
func (s *Store) MarkConfirmed(idempotencyID string) error {
	return s.transition(
		`UPDATE pending_events
		 SET status = 'confirmed', last_error = NULL,
		     confirmed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE idempotency_id = ? AND status = 'in-flight'`, idempotencyID)
}

// MarkFailedRetry reverts in-flight -> pending after a transient failure.
func (s *Store) MarkFailedRetry(idempotencyID, lastError string) error {
	return s.transition(
		`UPDATE pending_events
		 SET status = 'pending', last_error = ?
		 WHERE idempotency_id = ? AND status = 'in-flight'`, truncateError(lastError), idempotencyID)
}

// MarkFailedPermanent transitions in-flight -> failed-permanent after a
// validation rejection. The row stays queryable until an operator discards it.
func (s *Store) MarkFailedPermanent(idempotencyID, lastError string) error {
	return s.transition(
		`UPDATE pending_events
		 SET status = 'failed-permanent', last_error = ?
		 WHERE idempotency_id = ? AND status = 'in-flight'`, truncateError(lastError), idempotencyID)
}

func (s *Store) transition(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%w: transition: %v", ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: transition: %v", ErrStorage, err)
	}
	if affected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RecoverInFlight reverts every in-flight row to pending and returns how many
// were reverted. Rows are left in-flight by a crash mid-submission or by a
// status write that failed after the submission succeeded; the sync engine
// sweeps them at the start of each cycle and the server resolves the replay
// as a duplicate.
func (s *Store) RecoverInFlight() (int64, error) {
	res, err := s.db.Exec(`UPDATE pending_events SET status = 'pending' WHERE status = 'in-flight'`)
	if err != nil {
		return 0, fmt.Errorf("%w: recover in-flight: %v", ErrStorage, err)
	}
	recovered, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: recover in-flight: %v", ErrStorage, err)
	}
	return recovered, nil
}

// PendingCount counts events still awaiting confirmation (pending and
// in-flight). Failed-permanent rows are excluded: they are not transient
// work and are surfaced separately.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pending_events WHERE status IN ('pending', 'in-flight')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: pending count: %v", ErrStorage, err)
	}
	return count, nil
}

// Discard removes a failed-permanent event on explicit operator action.
// This is the only way an unconfirmed event ever leaves the store.
func (s *Store) Discard(idempotencyID string) error {
	res, err := s.db.Exec(
		`DELETE FROM pending_events WHERE idempotency_id = ? AND status = 'failed-permanent'`,
		idempotencyID)
	if err != nil {
		return fmt.Errorf("%w: discard: %v", ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: discard: %v", ErrStorage, err)
	}
	if affected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// PurgeConfirmed deletes confirmed events older than the retention cutoff
// and returns how many were removed.
func (s *Store) PurgeConfirmed(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM pending_events
		 WHERE status = 'confirmed' AND confirmed_at IS NOT NULL AND confirmed_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: purge confirmed: %v", ErrStorage, err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: purge confirmed: %v", ErrStorage, err)
	}
	return purged, nil
}

// GetEvent looks up a single event by idempotency id.
func (s *Store) GetEvent(idempotencyID string) (*PendingEvent, error) {
	rows, err := s.db.Query(
		`SELECT idempotency_id, kind, subject_id, device_id, occurred_at, status,
		        attempt_count, last_attempt_at, last_error, confirmed_at, created_at
		 FROM pending_events WHERE idempotency_id = ?`, idempotencyID)
	if err != nil {
		return nil, fmt.Errorf("%w: get event: %v", ErrStorage, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return &events[0], nil
}

func truncateError(message string) string {
	const maxLen = 400
	if len(message) > maxLen {
		return message[:maxLen]
	}
	return message
}
