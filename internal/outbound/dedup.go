package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// DedupStore remembers keys for a bounded window.
// SeenOnce records key and reports whether it was already recorded within ttl.
type DedupStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// Expired entries are swept once the map grows past this size
const sweepThreshold = 1024

// MemoryDedup is a single-process DedupStore.
type MemoryDedup struct {
	mu  sync.Mutex
	m   map[string]time.Time // key -> expiry
	now func() time.Time
}

// NewMemoryDedup creates a MemoryDedup. now may be nil.
func NewMemoryDedup(now func() time.Time) *MemoryDedup {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedup{m: make(map[string]time.Time), now: now}
}

func (d *MemoryDedup) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.m[key]; ok && exp.After(now) {
		return true, nil
	}
	if len(d.m) >= sweepThreshold {
		for k, exp := range d.m {
			if !exp.After(now) {
				delete(d.m, k)
			}
		}
	}
	d.m[key] = now.Add(ttl)
	return false, nil
}

// DedupKey derives the key collapsing identical sends within one second.
func DedupKey(roomID, content, contentType string, t time.Time) string {
	h := sha256.New()
	for _, part := range []string{roomID, content, contentType, strconv.FormatInt(t.Unix(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
