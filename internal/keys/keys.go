// Package keys owns the replica's signing identity: an ECDSA P-256 keypair
// generated once, persisted as a pair of JWKs, and reloaded on every start.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// KeyPair is an imported signing identity.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// Exported is the persisted form of a KeyPair: both halves as JWK JSON.
type Exported struct {
	Public  json.RawMessage `json:"public"`
	Private json.RawMessage `json:"private"`
}

// Store persists the exported keypair.
//
// SaveKey must not overwrite a pair that is already stored: the first
// identity written wins, and Manager reloads whatever was kept.
type Store interface {
	LoadKey(ctx context.Context) (Exported, bool, error)
	SaveKey(ctx context.Context, exp Exported) error
}

// Generator creates new private keys.
type Generator interface {
	Generate() (*ecdsa.PrivateKey, error)
}

// P256Generator generates P-256 keys from crypto/rand.
type P256Generator struct{}

// Generate implements Generator.
func (P256Generator) Generate() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Manager resolves the replica's keypair, creating it on first use.
//
// Thread-safety: EnsureKeyPair is serialised by an internal mutex, so
// concurrent first calls still produce a single identity.
type Manager struct {
	mu     sync.Mutex
	store  Store
	gen    Generator
	logger *slog.Logger
	cached *KeyPair
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator replaces the default P-256 generator.
func WithGenerator(g Generator) Option {
	return func(m *Manager) { m.gen = g }
}

// WithLogger sets the logger used to report key creation.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		gen:    P256Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureKeyPair returns the persisted keypair, generating and persisting
// one first if none exists. The returned pair is always the one read back
// from the store, never the freshly generated value.
func (m *Manager) EnsureKeyPair(ctx context.Context) (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return *m.cached, nil
	}

	exp, ok, err := m.store.LoadKey(ctx)
	if err != nil {
		return KeyPair{}, fmt.Errorf("load key: %w", err)
	}

	if !ok {
		priv, err := m.gen.Generate()
		if err != nil {
			return KeyPair{}, fmt.Errorf("generate key: %w", err)
		}
		fresh, err := Export(priv)
		if err != nil {
			return KeyPair{}, err
		}
		if err := m.store.SaveKey(ctx, fresh); err != nil {
			return KeyPair{}, fmt.Errorf("save key: %w", err)
		}
		exp, ok, err = m.store.LoadKey(ctx)
		if err != nil {
			return KeyPair{}, fmt.Errorf("reload key: %w", err)
		}
		if !ok {
			return KeyPair{}, fmt.Errorf("reload key: not found after save")
		}
		m.logger.Info("generated signing key")
	}

	kp, err := Import(exp)
	if err != nil {
		return KeyPair{}, err
	}
	m.cached = &kp
	return kp, nil
}
