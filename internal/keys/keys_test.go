package keys

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSignVerify(t *testing.T) {
	material, publicPEM, err := Generate("educator1", "correct horse", 180*24*time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if material.Format != FileFormat || material.Algorithm != "Ed25519" {
		t.Fatalf("unexpected header: %+v", material)
	}

	challenge := "nonce-of-the-day"
	signatureB64, err := material.Sign("correct horse", []byte(challenge))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		t.Fatalf("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	publicKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		t.Fatalf("expected ed25519 public key, got %T", parsed)
	}
	if !ed25519.Verify(publicKey, []byte(challenge), signature) {
		t.Fatalf("signature does not verify")
	}
}

func TestSignWrongPassphrase(t *testing.T) {
	material, _, err := Generate("educator1", "correct horse", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := material.Sign("battery staple", []byte("nonce")); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
	// the same material still signs with the right passphrase afterwards
	if _, err := material.Sign("correct horse", []byte("nonce")); err != nil {
		t.Fatalf("sign after failed attempt: %v", err)
	}
}

func TestSignExpiredKey(t *testing.T) {
	material, _, err := Generate("educator1", "correct horse", time.Nanosecond)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := material.Sign("correct horse", []byte("nonce")); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("expected ErrKeyExpired, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	material, _, err := Generate("educator1", "correct horse", 24*time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "educator1.key.json")
	if err := material.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.KeyID != material.KeyID || loaded.Fingerprint != material.Fingerprint {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, material)
	}
	if _, err := loaded.Sign("correct horse", []byte("nonce")); err != nil {
		t.Fatalf("sign loaded key: %v", err)
	}
}

func TestParseRejectsMalformedFiles(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"format": regnido`,
		"wrong format":    `{"format": "other-key-v9", "algorithm": "Ed25519", "key_id": "x", "encrypted_private_key": "y"}`,
		"wrong algorithm": `{"format": "regnido-key-v1", "algorithm": "RSA", "key_id": "x", "encrypted_private_key": "y"}`,
		"missing key":     `{"format": "regnido-key-v1", "algorithm": "Ed25519"}`,
		"bad key id":      `{"format": "regnido-key-v1", "algorithm": "Ed25519", "key_id": "not-a-uuid", "encrypted_private_key": "y"}`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("%s: expected ErrMalformedKey, got %v", name, err)
		}
	}
}
