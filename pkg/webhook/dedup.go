package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Deduper remembers recently seen delivery fingerprints so redelivered
// webhooks are acknowledged without running twice. The set is bounded and
// evicts its oldest entry first once full.
type Deduper struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

// NewDeduper returns a Deduper holding at most limit fingerprints.
func NewDeduper(limit int) *Deduper {
	if limit <= 0 {
		limit = 1000
	}
	return &Deduper{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
		order: make([]string, 0, limit),
	}
}

// Fingerprint derives the default dedup key for a delivery from its request
// path and raw body.
func Fingerprint(path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Remember records a fingerprint and reports whether it had been seen
// already.
func (d *Deduper) Remember(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.order) >= d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}

// Len reports how many fingerprints are currently held.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
