package testutil

import (
	"fmt"
	"sync"
)

// FixedHandleGenerator returns predetermined handles in order.
//
// This enables deterministic test execution and golden snapshot
// comparison: the same scenario with the same handles produces
// byte-identical logs.
//
// Thread-safety: FixedHandleGenerator is safe for concurrent use via
// internal mutex.
type FixedHandleGenerator struct {
	mu      sync.Mutex
	handles []string
	idx     int
}

// NewFixedHandleGenerator creates a generator that returns handles in order.
//
// Example:
//
//	gen := NewFixedHandleGenerator("alice", "bob")
//	gen.Generate() // "alice", nil
//	gen.Generate() // "bob", nil
//	gen.Generate() // "", error: handles exhausted
func NewFixedHandleGenerator(handles ...string) *FixedHandleGenerator {
	return &FixedHandleGenerator{handles: handles}
}

// Generate returns the next predetermined handle, or an error once all of
// them have been used.
//
// Implements keys.HandleGenerator.
func (g *FixedHandleGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.handles) {
		return "", fmt.Errorf("FixedHandleGenerator: all %d handles exhausted", len(g.handles))
	}
	h := g.handles[g.idx]
	g.idx++
	return h, nil
}

// Remaining returns how many handles are left.
func (g *FixedHandleGenerator) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles) - g.idx
}
