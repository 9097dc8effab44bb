// Package syncer drains the local event queue against the central server:
// exactly once from the server's point of view, despite crashes, partitions
// and token expiry.
package syncer

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/api"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/auth"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/connectivity"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/metrics"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/store"
)

// EventStore is the slice of the local store the engine mutates. The engine
// is the only mutator of event status after append.
type EventStore interface {
	ListReady(limit int) ([]store.PendingEvent, error)
	RecoverInFlight() (int64, error)
	MarkInFlight(idempotencyID string) error
	MarkConfirmed(idempotencyID string) error
	MarkFailedRetry(idempotencyID, lastError string) error
	MarkFailedPermanent(idempotencyID, lastError string) error
	PendingCount() (int, error)
	SetSetting(key, value string) error
}

// TokenSource yields a valid session token and the registered device id,
// re-authenticating when needed.
type TokenSource interface {
	Token(ctx context.Context) (*auth.SessionToken, string, error)
	Invalidate()
}

// Submitter delivers one event to the server.
type Submitter interface {
	SubmitEvent(ctx context.Context, token string, event api.Event) (api.SubmitOutcome, string, error)
}

// Connectivity reports the cached reachability probe.
type Connectivity interface {
	Last() connectivity.Probe
}

type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	BatchSize    int
	AuthRetries  int
	Workers      int
}

type CycleState string

const (
	StateIdle     CycleState = "idle"
	StateDraining CycleState = "draining"
	StateBackoff  CycleState = "backoff"
)

// Status is the queryable per-cycle aggregate the UI layer renders.
type Status struct {
	State               CycleState `json:"state"`
	PendingCount        int        `json:"pending_count"`
	LastCycleAt         time.Time  `json:"last_cycle_at"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextAttemptAt       time.Time  `json:"next_attempt_at"`
}

// Engine is the single owner of sync cycles. A base-interval timer and the
// manual trigger both feed the same loop, so cycles never overlap.
type Engine struct {
	store   EventStore
	tokens  TokenSource
	submit  Submitter
	conn    Connectivity
	cfg     Config
	trigger chan struct{}
	rng     *rand.Rand

	mu       sync.Mutex
	status   Status
	failures int
}

func New(eventStore EventStore, tokens TokenSource, submitter Submitter, conn Connectivity, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}
	return &Engine{
		store:   eventStore,
		tokens:  tokens,
		submit:  submitter,
		conn:    conn,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		status:  Status{State: StateIdle},
	}
}

// TriggerSync requests an immediate cycle ("sync now"). It bypasses the
// backoff wait but not the connectivity gate, and never blocks.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the engine state with a fresh pending count.
func (e *Engine) Status() Status {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if count, err := e.store.PendingCount(); err == nil {
		status.PendingCount = count
	} else {
		log.Printf("sync: pending count unavailable: %v", err)
	}
	return status
}

// Start runs the sync loop until ctx is done. Shutdown lets the in-flight
// network call finish but prevents starting a new batch.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	timer := time.NewTimer(e.cfg.BaseInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		attempted := e.runCycle(ctx)

		delay := e.nextDelay(attempted)
		e.setNextAttempt(time.Now().UTC().Add(delay))
		timer.Reset(delay)
	}
}

// nextDelay schedules the next cycle. The backoff schedule applies only when
// an attempt was actually made and failed: an unreachable cycle makes no
// attempt, so the engine keeps probing at the base interval and recovers as
// soon as the link returns.
func (e *Engine) nextDelay(attempted bool) time.Duration {
	e.mu.Lock()
	failures := e.failures
	e.mu.Unlock()
	if !attempted || failures == 0 {
		return e.cfg.BaseInterval
	}
	return backoffDelay(e.cfg.BaseInterval, e.cfg.MaxInterval, failures, e.rng)
}

type cycleResult struct {
	confirmed int
	permanent int
	transient int
	lastError string
}

// runCycle runs one drain attempt. It reports whether an attempt was made:
// an unreachable cycle is a non-attempt and must not feed the backoff timer.
func (e *Engine) runCycle(ctx context.Context) bool {
	now := time.Now().UTC()
	probe := e.conn.Last()
	if !probe.Reachable {
		// No attempt while the server is unreachable: stay idle at the base
		// interval instead of burning retries.
		e.updateStatus(func(s *Status) {
			s.State = StateIdle
			s.LastCycleAt = now
		})
		metrics.SyncCyclesTotal.WithLabelValues("unreachable").Inc()
		return false
	}

	e.updateStatus(func(s *Status) {
		s.State = StateDraining
		s.LastCycleAt = now
	})

	// Sweep rows stranded in-flight by a failed status write in a previous
	// cycle back to pending; cycles never overlap, so nothing is legitimately
	// in-flight here.
	recovered, err := e.store.RecoverInFlight()
	if err != nil {
		log.Printf("sync: %v", err)
		e.finishCycle(cycleResult{transient: 1, lastError: err.Error()}, "storage_failed")
		return true
	}
	if recovered > 0 {
		log.Printf("sync: recovered %d stalled in-flight events", recovered)
	}

	token, deviceID, err := e.obtainToken(ctx)
	if err != nil {
		log.Printf("sync: authentication failed: %v", err)
		e.finishCycle(cycleResult{transient: 1, lastError: err.Error()}, "auth_failed")
		return true
	}

	events, err := e.store.ListReady(e.cfg.BatchSize)
	if err != nil {
		// Local durability at risk: fatal to this cycle only, retried on the
		// next tick.
		log.Printf("sync: %v", err)
		e.finishCycle(cycleResult{transient: 1, lastError: err.Error()}, "storage_failed")
		return true
	}
	if len(events) == 0 {
		e.finishCycle(cycleResult{}, "empty")
		return true
	}

	result := e.drain(ctx, token, deviceID, events)
	outcome := "success"
	if result.transient > 0 {
		outcome = "partial_failure"
		if result.confirmed == 0 && result.permanent == 0 {
			outcome = "total_failure"
		}
	}
	e.finishCycle(result, outcome)
	return true
}

// obtainToken retries transient authentication failures a bounded number of
// times immediately; deterministic failures (bad passphrase, expired key,
// rejected challenge) go straight to the backoff schedule.
func (e *Engine) obtainToken(ctx context.Context) (*auth.SessionToken, string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.AuthRetries; attempt++ {
		token, deviceID, err := e.tokens.Token(ctx)
		if err == nil {
			return token, deviceID, nil
		}
		lastErr = err
		if !errors.Is(err, api.ErrNetworkUnavailable) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// drain submits the batch. Events are grouped by subject and groups run
// concurrently on a bounded worker pool, but events inside a group stay
// strictly sequential and a transient failure parks the rest of the group:
// a check-out can never race ahead of its check-in.
func (e *Engine) drain(ctx context.Context, token *auth.SessionToken, deviceID string, events []store.PendingEvent) cycleResult {
	groups := groupBySubject(events)

	var (
		mu        sync.Mutex
		result    cycleResult
		tokenDead bool
	)
	record := func(update func(*cycleResult)) {
		mu.Lock()
		update(&result)
		mu.Unlock()
	}

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []store.PendingEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, event := range group {
				// Shutdown or a rejected token: leave the rest pending.
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				dead := tokenDead
				mu.Unlock()
				if dead {
					return
				}
				stop := e.submitOne(ctx, token, deviceID, event, record, func() {
					mu.Lock()
					tokenDead = true
					mu.Unlock()
				})
				if stop {
					return
				}
			}
		}(group)
	}
	wg.Wait()
	return result
}

// submitOne drives a single event through in-flight to its terminal state
// for this cycle. Returns true when the rest of the group must not proceed.
func (e *Engine) submitOne(ctx context.Context, token *auth.SessionToken, deviceID string, event store.PendingEvent, record func(func(*cycleResult)), markTokenDead func()) bool {
	if err := e.store.MarkInFlight(event.IdempotencyID); err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			// Already moved on by a previous cycle.
			return false
		}
		record(func(r *cycleResult) {
			r.transient++
			r.lastError = err.Error()
		})
		return true
	}

	payload := api.Event{
		IdempotencyID: event.IdempotencyID,
		Kind:          string(event.Kind),
		SubjectID:     event.SubjectID,
		DeviceID:      event.DeviceID,
		OccurredAt:    event.OccurredAt,
	}
	if payload.DeviceID == "" {
		payload.DeviceID = deviceID
	}

	// The request context is detached from the engine's: shutdown must let
	// an in-flight call run to completion (the API client bounds it with its
	// own timeout), or the server-side state would be ambiguous.
	outcome, detail, err := e.submit.SubmitEvent(context.WithoutCancel(ctx), token.Value, payload)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			// Never retry with the same token.
			e.tokens.Invalidate()
			markTokenDead()
		}
		if markErr := e.store.MarkFailedRetry(event.IdempotencyID, err.Error()); markErr != nil {
			log.Printf("sync: revert %s to pending: %v", event.IdempotencyID, markErr)
		}
		record(func(r *cycleResult) {
			r.transient++
			r.lastError = err.Error()
		})
		return true
	}

	switch outcome {
	case api.OutcomeAccepted, api.OutcomeDuplicate:
		if err := e.store.MarkConfirmed(event.IdempotencyID); err != nil {
			// The server has the event. The row stays in-flight until the
			// next cycle's sweep reverts it to pending; the resubmission then
			// resolves as a duplicate.
			log.Printf("sync: confirm %s: %v", event.IdempotencyID, err)
			record(func(r *cycleResult) {
				r.transient++
				r.lastError = err.Error()
			})
			return true
		}
		label := "accepted"
		if outcome == api.OutcomeDuplicate {
			label = "duplicate"
		}
		metrics.EventOutcomesTotal.WithLabelValues(label).Inc()
		record(func(r *cycleResult) { r.confirmed++ })
		return false
	case api.OutcomeRejected:
		log.Printf("sync: event %s permanently rejected: %s", event.IdempotencyID, detail)
		if err := e.store.MarkFailedPermanent(event.IdempotencyID, detail); err != nil {
			log.Printf("sync: mark %s failed-permanent: %v", event.IdempotencyID, err)
		}
		metrics.EventOutcomesTotal.WithLabelValues("rejected").Inc()
		record(func(r *cycleResult) { r.permanent++ })
		return false
	default:
		return false
	}
}

func (e *Engine) finishCycle(result cycleResult, outcome string) {
	now := time.Now().UTC()
	metrics.SyncCyclesTotal.WithLabelValues(outcome).Inc()

	e.mu.Lock()
	if result.transient > 0 {
		e.failures++
		e.status.State = StateBackoff
		e.status.LastError = result.lastError
	} else {
		e.failures = 0
		e.status.State = StateIdle
		e.status.LastError = ""
		e.status.LastSuccessAt = now
	}
	e.status.ConsecutiveFailures = e.failures
	e.mu.Unlock()

	if result.transient == 0 && result.confirmed > 0 {
		if err := e.store.SetSetting(store.SettingLastSyncAt, now.Format(time.RFC3339)); err != nil {
			log.Printf("sync: record last sync time: %v", err)
		}
	}
	if count, err := e.store.PendingCount(); err == nil {
		metrics.PendingEvents.Set(float64(count))
	}
}

func (e *Engine) updateStatus(update func(*Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	update(&e.status)
}

func (e *Engine) setNextAttempt(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.NextAttemptAt = at
}

// groupBySubject splits the batch into per-subject queues, preserving the
// store's oldest-first order within each queue and across group scheduling.
func groupBySubject(events []store.PendingEvent) [][]store.PendingEvent {
	index := make(map[string]int)
	var groups [][]store.PendingEvent
	for _, event := range events {
		i, ok := index[event.SubjectID]
		if !ok {
			i = len(groups)
			index[event.SubjectID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], event)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a][0].OccurredAt.Before(groups[b][0].OccurredAt)
	})
	return groups
}
