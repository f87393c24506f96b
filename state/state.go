// Package state exposes the key-scoping capability of the host's keyed
// state store. The bridge uses it only to scope timer registrations and
// worker-initiated state access, never to route records.
package state

import "sync"

// Backend is the current-key surface of the host state backend.
type Backend interface {
	CurrentKey() []byte
	SetCurrentKey(key []byte)
}

// PinnedKey decouples the key seen by worker-initiated calls from the host
// operator's record-processing key. The operator publishes its shadow key
// through Set without touching the backend; Do pins the backend's key for
// one call and restores the previous key afterwards.
//
// The lock is scoped to key changes, not to whole processing paths, so the
// operator thread is never blocked for a full worker round trip.
type PinnedKey struct {
	mu      sync.Mutex
	backend Backend
	shadow  []byte
}

func NewPinnedKey(b Backend) *PinnedKey {
	return &PinnedKey{backend: b}
}

// Set records the shadow key without touching the backend.
func (p *PinnedKey) Set(key []byte) {
	p.mu.Lock()
	p.shadow = key
	p.mu.Unlock()
}

// Get returns the shadow key.
func (p *PinnedKey) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shadow
}

// Do runs fn with the backend's current key pinned to key. The previous
// backend key is restored even when fn fails.
func (p *PinnedKey) Do(key []byte, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.backend.CurrentKey()
	p.backend.SetCurrentKey(key)
	defer p.backend.SetCurrentKey(prev)
	return fn()
}

// MemoryBackend is a Backend for tests and embedders without a host engine.
type MemoryBackend struct {
	mu  sync.Mutex
	key []byte
}

func (m *MemoryBackend) CurrentKey() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

func (m *MemoryBackend) SetCurrentKey(key []byte) {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
}
