package executor

import (
	"sync"
	"time"
)

// Dedup remembers which signed transactions have already been broadcast,
// keyed by transaction hash. A bundle re-signed with the same nonce and
// calldata hashes the same and is refused. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // tx hash -> submission time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that remembers transactions for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// MarkSubmitted records txHash as broadcast at now and reports whether this
// is its first submission. Entries older than the TTL are pruned on the way.
func (d *Dedup) MarkSubmitted(txHash string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, h)
		}
	}
	if _, ok := d.seen[txHash]; ok {
		return false
	}
	d.seen[txHash] = now
	return true
}

// Len returns the number of remembered transactions.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
