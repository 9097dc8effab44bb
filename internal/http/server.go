// Package http serves the agent's local control API. The graphical UI is an
// external collaborator: it appends events, reads status, unlocks the key
// and triggers "sync now" through this surface.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/auth"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/connectivity"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/keys"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/metrics"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/store"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/syncer"
)

type Server struct {
	store   *store.Store
	engine  *syncer.Engine
	auth    *auth.Client
	monitor *connectivity.Monitor
}

func NewServer(eventStore *store.Store, engine *syncer.Engine, authClient *auth.Client, monitor *connectivity.Monitor) *Server {
	return &Server{
		store:   eventStore,
		engine:  engine,
		auth:    authClient,
		monitor: monitor,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/events", s.handleAppendEvent)
	r.Get("/events/failed", s.handleListFailed)
	r.Post("/events/{idempotencyId}/discard", s.handleDiscardEvent)
	r.Get("/status", s.handleStatus)
	r.Post("/sync", s.handleSyncNow)
	r.Post("/unlock", s.handleUnlock)

	return r
}

type appendEventRequest struct {
	Kind       string `json:"kind"`
	SubjectID  string `json:"subject_id"`
	OccurredAt string `json:"occurred_at"`
}

type appendEventResponse struct {
	IdempotencyID string `json:"idempotency_id"`
	PendingCount  int    `json:"pending_count"`
}

// handleAppendEvent persists the event durably before returning and never
// touches the network. A storage failure is surfaced as a blocking error:
// an attendance event is never silently dropped.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, http.StatusBadRequest, "missing_subject")
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_occurred_at")
			return
		}
		occurredAt = parsed.UTC()
	}

	deviceID, err := s.store.GetSetting(store.SettingDeviceID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_failure")
		return
	}

	id, err := s.store.Append(store.EventKind(req.Kind), req.SubjectID, deviceID, occurredAt)
	if err != nil {
		if errors.Is(err, store.ErrStorage) {
			writeError(w, http.StatusServiceUnavailable, "storage_failure")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_kind")
		return
	}
	metrics.EventsAppendedTotal.Inc()

	count, err := s.store.PendingCount()
	if err != nil {
		count = -1
	} else {
		metrics.PendingEvents.Set(float64(count))
	}

	// Nudge the engine; the append path itself never waits on the network.
	s.engine.TriggerSync()

	writeJSON(w, http.StatusCreated, appendEventResponse{IdempotencyID: id, PendingCount: count})
}

type failedEventResponse struct {
	IdempotencyID string    `json:"idempotency_id"`
	Kind          string    `json:"kind"`
	SubjectID     string    `json:"subject_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListFailed(100)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_failure")
		return
	}
	resp := make([]failedEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, failedEventResponse{
			IdempotencyID: event.IdempotencyID,
			Kind:          string(event.Kind),
			SubjectID:     event.SubjectID,
			OccurredAt:    event.OccurredAt,
			AttemptCount:  event.AttemptCount,
			LastError:     event.LastError,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDiscardEvent is the explicit operator action that removes a
// failed-permanent event. Pending and confirmed events cannot be discarded.
func (s *Server) handleDiscardEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "idempotencyId")
	if err := s.store.Discard(id); err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "event_not_found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "storage_failure")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Sync         syncer.Status `json:"sync"`
	AuthState    string        `json:"auth_state"`
	Unlocked     bool          `json:"unlocked"`
	SkewStatus   string        `json:"skew_status"`
	DeviceID     string        `json:"device_id,omitempty"`
	LastSyncAt   string        `json:"last_sync_at,omitempty"`
	Connectivity struct {
		Reachable bool      `json:"reachable"`
		LatencyMS int64     `json:"latency_ms"`
		CheckedAt time.Time `json:"checked_at"`
		LastError string    `json:"last_error,omitempty"`
	} `json:"connectivity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Sync:       s.engine.Status(),
		AuthState:  string(s.auth.State()),
		Unlocked:   s.auth.HasPassphrase(),
		SkewStatus: string(s.auth.LastSkew()),
	}
	if deviceID, err := s.store.GetSetting(store.SettingDeviceID); err == nil {
		resp.DeviceID = deviceID
	}
	if lastSync, err := s.store.GetSetting(store.SettingLastSyncAt); err == nil {
		resp.LastSyncAt = lastSync
	}
	probe := s.monitor.Last()
	resp.Connectivity.Reachable = probe.Reachable
	resp.Connectivity.LatencyMS = probe.Latency.Milliseconds()
	resp.Connectivity.CheckedAt = probe.CheckedAt
	resp.Connectivity.LastError = probe.LastError
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, _ *http.Request) {
	s.engine.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

type unlockRequest struct {
	Passphrase string `json:"passphrase"`
}

// handleUnlock verifies the passphrase against the key material with a local
// trial signature, then holds it in memory for the process lifetime. No
// token is cached on a wrong passphrase.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "missing_passphrase")
		return
	}
	if err := s.auth.VerifyPassphrase(req.Passphrase); err != nil {
		switch {
		case errors.Is(err, keys.ErrBadPassphrase):
			writeError(w, http.StatusForbidden, "bad_passphrase")
		case errors.Is(err, keys.ErrKeyExpired):
			writeError(w, http.StatusGone, "key_expired")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	s.auth.SetPassphrase(req.Passphrase)
	s.engine.TriggerSync()
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
