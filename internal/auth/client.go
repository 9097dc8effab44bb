// Package auth drives the challenge-response handshake that turns the
// operator's key file into a time-bounded session token, and tracks clock
// skew against the server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/api"
	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/keys"
)

type State string

const (
	StateUnauthenticated    State = "unauthenticated"
	StateChallengeRequested State = "challenge_requested"
	StateChallengeSigned    State = "challenge_signed"
	StateAuthenticated      State = "authenticated"
	StateExpired            State = "expired"
	StateRejected           State = "rejected"
)

// ErrPassphraseRequired means no passphrase has been provided yet; the
// operator must unlock the key before the agent can authenticate.
var ErrPassphraseRequired = errors.New("passphrase_required")

// Settings is the slice of the local store the client needs for the device
// registration step.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const (
	settingClientID = "client_id"
	settingDeviceID = "device_id"
)

// Client owns the handshake state machine:
// Unauthenticated -> ChallengeRequested -> ChallengeSigned -> Authenticated
// -> (Expired | Rejected) -> Unauthenticated. Device registration is an
// explicit post-handshake step, idempotent on a persisted client id.
type Client struct {
	api        *api.Client
	material   *keys.Material
	settings   Settings
	skew       *SkewGuard
	deviceName string
	leeway     time.Duration

	mu         sync.Mutex
	state      State
	passphrase string
	token      *SessionToken
	deviceID   string
	lastSkew   SkewStatus
}

func NewClient(apiClient *api.Client, material *keys.Material, settings Settings, skew *SkewGuard, deviceName string, leeway time.Duration) *Client {
	return &Client{
		api:        apiClient,
		material:   material,
		settings:   settings,
		skew:       skew,
		deviceName: deviceName,
		leeway:     leeway,
		state:      StateUnauthenticated,
		lastSkew:   SkewOK,
	}
}

// SetPassphrase stores the passphrase in memory for the process lifetime.
// It is used transiently per signing operation, never persisted.
func (c *Client) SetPassphrase(passphrase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passphrase = passphrase
}

// VerifyPassphrase checks the passphrase against the key material with a
// local trial signature. No network traffic is involved.
func (c *Client) VerifyPassphrase(passphrase string) error {
	_, err := c.material.Sign(passphrase, []byte("unlock-verification"))
	return err
}

func (c *Client) HasPassphrase() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passphrase != ""
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) LastSkew() SkewStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSkew
}

// Subject returns the operator identity carried by the key file.
func (c *Client) Subject() string {
	return c.material.Username
}

// Authenticate performs one full handshake: fresh nonce, transient key
// decryption, signature submission, token parse, device registration. A
// consumed nonce is never retried; every attempt starts with a new challenge.
func (c *Client) Authenticate(ctx context.Context) (*SessionToken, error) {
	now := time.Now().UTC()
	if c.material.Expired(now) {
		return nil, keys.ErrKeyExpired
	}
	c.mu.Lock()
	passphrase := c.passphrase
	c.mu.Unlock()
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	c.setState(StateChallengeRequested)
	challenge, err := c.api.RequestChallenge(ctx, c.material.Username)
	if err != nil {
		c.setState(StateUnauthenticated)
		return nil, err
	}
	c.ObserveServerTime(challenge.ServerTime)

	signature, err := c.material.Sign(passphrase, []byte(challenge.Value))
	if err != nil {
		c.setState(StateUnauthenticated)
		return nil, err
	}
	c.setState(StateChallengeSigned)

	accessToken, err := c.api.CompleteChallenge(ctx, challenge.ID, c.material.KeyID, signature)
	if err != nil {
		var rejected *api.ChallengeRejectedError
		if errors.As(err, &rejected) {
			c.setState(StateRejected)
		} else {
			c.setState(StateUnauthenticated)
		}
		return nil, err
	}

	token, err := TokenFromJWT(accessToken, c.leeway)
	if err != nil {
		c.setState(StateUnauthenticated)
		return nil, err
	}

	c.mu.Lock()
	c.token = token
	c.state = StateAuthenticated
	c.mu.Unlock()

	if err := c.ensureDeviceRegistered(ctx, token); err != nil {
		// The session is valid; registration is transient and retried on the
		// next Token call.
		return nil, fmt.Errorf("device registration: %w", err)
	}
	return token, nil
}

// CurrentToken returns the cached token while it is still usable, otherwise
// transitions to Expired and returns nil, forcing re-authentication.
func (c *Client) CurrentToken(now time.Time) *SessionToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil
	}
	if !c.token.Valid(now) {
		c.token = nil
		c.state = StateExpired
		return nil
	}
	return c.token
}

// Token returns a valid session token with the device registered,
// authenticating first when needed.
func (c *Client) Token(ctx context.Context) (*SessionToken, string, error) {
	if token := c.CurrentToken(time.Now().UTC()); token != nil {
		deviceID, err := c.ensureDeviceID(ctx, token)
		if err != nil {
			return nil, "", err
		}
		return token, deviceID, nil
	}
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()
	return token, deviceID, nil
}

// Invalidate discards the cached token after a server-side rejection. The
// same token is never presented again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.state = StateUnauthenticated
}

// ObserveServerTime feeds an opportunistic server timestamp to the skew
// guard. Critical skew drops the cached token so the next use performs a
// fresh handshake; a warning is only surfaced, never invalidating.
func (c *Client) ObserveServerTime(serverTime time.Time) SkewStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observeServerTime(serverTime)
}

func (c *Client) observeServerTime(serverTime time.Time) SkewStatus {
	if serverTime.IsZero() {
		return c.lastSkew
	}
	status := c.skew.Check(time.Now().UTC(), serverTime)
	if status != c.lastSkew {
		log.Printf("clock skew status changed: %s -> %s", c.lastSkew, status)
	}
	c.lastSkew = status
	if status == SkewCritical && c.token != nil {
		c.token = nil
		c.state = StateExpired
	}
	return status
}

func (c *Client) ensureDeviceID(ctx context.Context, token *SessionToken) (string, error) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()
	if deviceID != "" {
		return deviceID, nil
	}
	if err := c.ensureDeviceRegistered(ctx, token); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, nil
}

// ensureDeviceRegistered binds the installation to a server device record.
// The persisted client id doubles as the registration idempotency key, so a
// crash between registration and acknowledgment resolves to the same device.
func (c *Client) ensureDeviceRegistered(ctx context.Context, token *SessionToken) error {
	stored, err := c.settings.GetSetting(settingDeviceID)
	if err != nil {
		return err
	}
	if stored != "" {
		c.mu.Lock()
		c.deviceID = stored
		c.mu.Unlock()
		return nil
	}

	clientID, err := c.settings.GetSetting(settingClientID)
	if err != nil {
		return err
	}
	if clientID == "" {
		clientID = uuid.NewString()
		if err := c.settings.SetSetting(settingClientID, clientID); err != nil {
			return err
		}
	}

	deviceID, err := c.api.RegisterDevice(ctx, token.Value, clientID, c.deviceName)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			c.Invalidate()
		}
		return err
	}
	if err := c.settings.SetSetting(settingDeviceID, deviceID); err != nil {
		return err
	}
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
	log.Printf("device registered: %s", deviceID)
	return nil
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}
