package host

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// keyLocks serializes work per session without a mutex per session.
// Two sessions may share a stripe; that only costs concurrency.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for key and returns its unlock function.
func (l *keyLocks) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
