// Package api implements the HTTP client for the central server contract:
// challenge-response authentication, device registration, idempotent event
// submission and the liveness probe. Every call is bounded by a timeout so a
// hung network can never stall the agent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNetworkUnavailable covers transport failures and 5xx responses:
	// transient, retried under backoff, never fatal to an event.
	ErrNetworkUnavailable = errors.New("network_unavailable")

	// ErrUnauthorized means the server refused the session token. The caller
	// must discard the token and re-authenticate, never retry with it.
	ErrUnauthorized = errors.New("unauthorized")
)

// ChallengeRejectedError reports a refused handshake with the server's
// distinguishable reason: "challenge_consumed", "invalid_signature" or
// "unknown_key".
type ChallengeRejectedError struct {
	Reason string
}

func (e *ChallengeRejectedError) Error() string {
	return "challenge rejected: " + e.Reason
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

type Challenge struct {
	ID         string
	Value      string
	ServerTime time.Time
}

// RequestChallenge obtains a fresh single-use nonce for the given operator.
// Callers must request a new challenge per attempt; nonces are never reused.
func (c *Client) RequestChallenge(ctx context.Context, username string) (*Challenge, error) {
	var resp struct {
		ChallengeID   string `json:"challenge_id"`
		Challenge     string `json:"challenge"`
		ServerTimeUTC string `json:"server_time_utc"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/challenge", "",
		map[string]string{"username": username}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, "")
	}
	challenge := &Challenge{ID: resp.ChallengeID, Value: resp.Challenge}
	if resp.ServerTimeUTC != "" {
		if t, err := time.Parse(time.RFC3339Nano, resp.ServerTimeUTC); err == nil {
			challenge.ServerTime = t
		}
	}
	if challenge.ID == "" || challenge.Value == "" {
		return nil, fmt.Errorf("%w: empty challenge response", ErrNetworkUnavailable)
	}
	return challenge, nil
}

// CompleteChallenge submits the signed nonce and returns the session token.
func (c *Client) CompleteChallenge(ctx context.Context, challengeID, keyID, signatureB64 string) (string, error) {
	body := map[string]string{
		"challenge_id":  challengeID,
		"key_id":        keyID,
		"signature_b64": signatureB64,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/auth/challenge/complete", "", body, &resp)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		if resp.AccessToken == "" {
			return "", fmt.Errorf("%w: empty access token", ErrNetworkUnavailable)
		}
		return resp.AccessToken, nil
	case http.StatusConflict:
		return "", &ChallengeRejectedError{Reason: reasonOr(resp.Error, "challenge_consumed")}
	case http.StatusForbidden:
		return "", &ChallengeRejectedError{Reason: reasonOr(resp.Error, "invalid_signature")}
	case http.StatusNotFound:
		return "", &ChallengeRejectedError{Reason: reasonOr(resp.Error, "unknown_key")}
	default:
		return "", c.statusError(status, resp.Error)
	}
}

// RegisterDevice binds this installation to a server-side device record.
// Idempotent on clientID: registering twice yields the same device id.
func (c *Client) RegisterDevice(ctx context.Context, token, clientID, name string) (string, error) {
	body := map[string]string{"client_id": clientID}
	if name != "" {
		body["name"] = name
	}
	var resp struct {
		DeviceID string `json:"device_id"`
		Error    string `json:"error"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/devices/register", token, body, &resp)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", c.statusError(status, resp.Error)
	}
	if resp.DeviceID == "" {
		return "", fmt.Errorf("%w: empty device id", ErrNetworkUnavailable)
	}
	return resp.DeviceID, nil
}

type SubmitOutcome int

const (
	// OutcomeAccepted means the server recorded the event for the first time.
	OutcomeAccepted SubmitOutcome = iota
	// OutcomeDuplicate means the idempotency id was already accepted; the
	// replay is a success, not a second attendance record.
	OutcomeDuplicate
	// OutcomeRejected means the server permanently refused the event. Do not
	// retry; this is a logic error, not a transient fault.
	OutcomeRejected
)

type Event struct {
	IdempotencyID string    `json:"idempotency_id"`
	Kind          string    `json:"kind"`
	SubjectID     string    `json:"subject_id"`
	DeviceID      string    `json:"device_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SubmitEvent delivers one event tagged with its idempotency id. The detail
// string carries the server's rejection code for OutcomeRejected.
func (c *Client) SubmitEvent(ctx context.Context, token string, event Event) (SubmitOutcome, string, error) {
	var resp struct {
		Error string `json:"error"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/events", token, event, &resp)
	if err != nil {
		return 0, "", err
	}
	switch status {
	case http.StatusCreated:
		return OutcomeAccepted, "", nil
	case http.StatusOK:
		return OutcomeDuplicate, "", nil
	case http.StatusUnprocessableEntity:
		return OutcomeRejected, reasonOr(resp.Error, "validation_rejected"), nil
	case http.StatusUnauthorized:
		return 0, "", ErrUnauthorized
	default:
		return 0, "", c.statusError(status, resp.Error)
	}
}

type Health struct {
	OK         bool
	ServerTime time.Time
	Latency    time.Duration
}

// Health issues the liveness probe and measures round-trip latency.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp struct {
		Status        string `json:"status"`
		ServerTimeUTC string `json:"server_time_utc"`
	}
	started := time.Now()
	status, err := c.doJSON(ctx, http.MethodGet, "/health", "", nil, &resp)
	latency := time.Since(started)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, "")
	}
	health := &Health{OK: resp.Status == "ok", Latency: latency}
	if resp.ServerTimeUTC != "" {
		if t, err := time.Parse(time.RFC3339Nano, resp.ServerTimeUTC); err == nil {
			health.ServerTime = t
		}
	}
	return health, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", ErrNetworkUnavailable, err)
	}
	if out != nil && len(payload) > 0 {
		// Error bodies share the {"error": code} shape, so a decode failure
		// on an error status is not fatal.
		if err := json.Unmarshal(payload, out); err != nil && resp.StatusCode < 400 {
			return 0, fmt.Errorf("%w: decode response: %v", ErrNetworkUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) statusError(status int, code string) error {
	if status >= 500 {
		return fmt.Errorf("%w: server status %d", ErrNetworkUnavailable, status)
	}
	if code == "" {
		code = "unexpected_status"
	}
	return fmt.Errorf("server status %d: %s", status, code)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
