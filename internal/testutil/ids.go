package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator returns prefix1, prefix2, ... in order.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario always opens sessions with the same ids.
//
// Thread-safety: SequentialIDGenerator is safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequentialIDGenerator creates a generator. If prefix is empty, "s" is used.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "s"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s%d", g.prefix, g.next)
}
