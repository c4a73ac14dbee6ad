// Package identity manages the per-server Ed25519 keypair and the stable
// server identifier derived from it. It is pure local state: no network or
// database access, a prerequisite for every other federation component.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "server.key"
	publicKeyFile  = "server.pub"
)

// ServerIdentity is this server's cryptographic identity. The private key
// never leaves the process; ServerID is recomputable from the public key
// alone, so two processes holding the same key material always agree on it.
type ServerIdentity struct {
	Host       string
	ServerID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// LoadOrCreate loads the identity from dir, generating and persisting a new
// keypair on first use. Idempotent across calls and restarts.
func LoadOrCreate(dir, host string) (*ServerIdentity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}

	keyPath := filepath.Join(dir, privateKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		return load(dir, host)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat private key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := persist(dir, pub, priv); err != nil {
		return nil, err
	}

	id, err := DeriveServerID(pub)
	if err != nil {
		return nil, err
	}
	return &ServerIdentity{Host: host, ServerID: id, PublicKey: pub, PrivateKey: priv}, nil
}

// DeriveServerID returns the hex SHA-256 digest of the DER-encoded public
// key. Deterministic, so peers can verify it without a central registry.
func DeriveServerID(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKeyBase64 returns the raw public key base64-encoded, the form
// carried in discovery documents and handshake payloads.
func (s *ServerIdentity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.PublicKey)
}

// ParsePublicKey decodes a base64 raw Ed25519 public key as exchanged
// through discovery and the trust handshake.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func load(dir, host string) (*ServerIdentity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("failed to parse private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}

	pub := priv.Public().(ed25519.PublicKey)
	id, err := DeriveServerID(pub)
	if err != nil {
		return nil, err
	}
	return &ServerIdentity{Host: host, ServerID: id, PublicKey: pub, PrivateKey: priv}, nil
}

func persist(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
