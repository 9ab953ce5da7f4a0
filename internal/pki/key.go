// Package pki manages the partner's ECDSA P-256 key pair. The public
// key is published at the well-known path on the serve hostname; the
// provider fetches it there before it will accept signed telemetry
// configurations for the domain.
//
// The key pair is generated with crypto/rand and persisted under the
// data directory so that restarts keep the same identity. Losing the
// key invalidates the provider-side registration.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private-key.pem"
	publicKeyFile  = "public-key.pem"
)

// Key is the partner's signing key pair.
type Key struct {
	private *ecdsa.PrivateKey
	pubPEM  []byte
}

// Generate creates a new ECDSA P-256 key pair.
func Generate() (*Key, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate key: %w", err)
	}
	return newKey(private)
}

// Load reconstructs a Key from a PEM-encoded EC private key.
func Load(keyPEM []byte) (*Key, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("pki: no PEM block in private key")
	}
	private, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse private key: %w", err)
	}
	if private.Curve != elliptic.P256() {
		return nil, fmt.Errorf("pki: unsupported curve %s, want P-256", private.Curve.Params().Name)
	}
	return newKey(private)
}

// LoadOrCreate loads the key pair from dir, generating and persisting
// a new one on first run. The public key is always (re)written so the
// on-disk copy matches what the well-known endpoint serves.
func LoadOrCreate(dir string) (*Key, error) {
	keyPath := filepath.Join(dir, privateKeyFile)

	if keyPEM, err := os.ReadFile(keyPath); err == nil {
		k, err := Load(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("pki: %s: %w", keyPath, err)
		}
		if err := os.WriteFile(filepath.Join(dir, publicKeyFile), k.pubPEM, 0o644); err != nil {
			return nil, fmt.Errorf("pki: write public key: %w", err)
		}
		return k, nil
	}

	k, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pki: create key dir: %w", err)
	}
	keyPEM, err := k.PrivatePEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("pki: write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), k.pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("pki: write public key: %w", err)
	}
	return k, nil
}

func newKey(private *ecdsa.PrivateKey) (*Key, error) {
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("pki: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &Key{private: private, pubPEM: pubPEM}, nil
}

// PublicPEM returns the PKIX public key in PEM form, as served at the
// well-known path.
func (k *Key) PublicPEM() []byte {
	return append([]byte(nil), k.pubPEM...)
}

// PrivatePEM returns the SEC 1 encoded private key in PEM form.
func (k *Key) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(k.private)
	if err != nil {
		return nil, fmt.Errorf("pki: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// Private exposes the underlying key for command-session derivation.
func (k *Key) Private() *ecdsa.PrivateKey {
	return k.private
}
