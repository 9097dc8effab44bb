// Package keys handles the operator key file used for the challenge-response
// handshake. The private key is Ed25519, stored encrypted under a passphrase,
// and is only ever decrypted for the duration of a single signing call.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	FileFormat = "regnido-key-v1"
	algorithm  = "Ed25519"
)

var (
	ErrBadPassphrase = errors.New("bad_passphrase")
	ErrKeyExpired    = errors.New("key_expired")
	ErrMalformedKey  = errors.New("malformed_key_file")
)

// Material is the on-disk key file. The private key PEM stays encrypted in
// memory; only Sign touches the plaintext, transiently.
type Material struct {
	Format              string     `json:"format"`
	Algorithm           string     `json:"algorithm"`
	KeyID               string     `json:"key_id"`
	Username            string     `json:"username"`
	Fingerprint         string     `json:"fingerprint"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	EncryptedPrivateKey string     `json:"encrypted_private_key"`
}

// Load reads and validates a key file. It does not attempt decryption.
func Load(path string) (*Material, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Material, error) {
	var material Material
	if err := json.Unmarshal(raw, &material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if material.Format != FileFormat {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformedKey, material.Format)
	}
	if material.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedKey, material.Algorithm)
	}
	if material.KeyID == "" || material.EncryptedPrivateKey == "" {
		return nil, fmt.Errorf("%w: missing key_id or private key", ErrMalformedKey)
	}
	if _, err := uuid.Parse(material.KeyID); err != nil {
		return nil, fmt.Errorf("%w: key_id is not a uuid", ErrMalformedKey)
	}
	return &material, nil
}

// Expired reports whether the key may no longer initiate a handshake.
func (m *Material) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Sign decrypts the private key with the passphrase, signs the message and
// returns the base64 signature. The plaintext key is zeroed before return.
// An expired key is rejected before any decryption is attempted.
func (m *Material) Sign(passphrase string, message []byte) (string, error) {
	if m.Expired(time.Now().UTC()) {
		return "", ErrKeyExpired
	}
	parsed, err := ssh.ParseRawPrivateKeyWithPassphrase(
		[]byte(m.EncryptedPrivateKey), []byte(passphrase))
	if err != nil {
		if errors.Is(err, x509.IncorrectPasswordError) {
			return "", ErrBadPassphrase
		}
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	privateKey, ok := parsed.(*ed25519.PrivateKey)
	if !ok {
		return "", fmt.Errorf("%w: not an Ed25519 key", ErrMalformedKey)
	}
	defer zero(*privateKey)

	signature := ed25519.Sign(*privateKey, message)
	return base64.StdEncoding.EncodeToString(signature), nil
}

func zero(key ed25519.PrivateKey) {
	for i := range key {
		key[i] = 0
	}
}

// Generate creates fresh key material encrypted under passphrase, together
// with the PKIX public key PEM that the administrator registers server-side.
func Generate(username, passphrase string, validFor time.Duration) (*Material, string, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	defer zero(privateKey)

	block, err := ssh.MarshalPrivateKeyWithPassphrase(privateKey, username, []byte(passphrase))
	if err != nil {
		return nil, "", fmt.Errorf("encrypt private key: %w", err)
	}
	fingerprint := sha256.Sum256(publicKey)

	now := time.Now().UTC()
	material := &Material{
		Format:              FileFormat,
		Algorithm:           algorithm,
		KeyID:               uuid.NewString(),
		Username:            username,
		Fingerprint:         hex.EncodeToString(fingerprint[:]),
		CreatedAt:           now,
		EncryptedPrivateKey: string(pem.EncodeToMemory(block)),
	}
	if validFor > 0 {
		expires := now.Add(validFor)
		material.ExpiresAt = &expires
	}

	publicDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, "", fmt.Errorf("marshal public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	return material, string(publicPEM), nil
}

// Save writes the key file with owner-only permissions.
func (m *Material) Save(path string) error {
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
