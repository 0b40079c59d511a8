package webhook

import (
	"sync"
	"time"

	"github.com/harun/ranya-runtime/pkg/channels"
)

// dedupEntry stores a receipt for idempotency. A zero timestamp marks a
// submission still in progress.
type dedupEntry struct {
	receipt   channels.Receipt
	err       error
	done      chan struct{}
	timestamp time.Time
}

// dedupCache provides time-bounded request idempotency keyed by
// Idempotency-Key.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// newDedupCache creates a new deduplication cache
func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	// Start cleanup goroutine
	go cache.cleanup()

	return cache
}

// Do runs submit once per key within the TTL. Concurrent callers with the
// same key wait for the first submission and share its receipt; duplicate
// reports whether the receipt came from an earlier call. Failed submissions
// are not cached.
func (dc *dedupCache) Do(key string, submit func() (channels.Receipt, error)) (receipt channels.Receipt, duplicate bool, err error) {
	dc.mu.Lock()
	if e, ok := dc.entries[key]; ok && (e.timestamp.IsZero() || time.Since(e.timestamp) <= dc.ttl) {
		dc.mu.Unlock()
		<-e.done
		if e.err != nil {
			return channels.Receipt{}, false, e.err
		}
		return e.receipt, true, nil
	}
	e := &dedupEntry{done: make(chan struct{})}
	dc.entries[key] = e
	dc.mu.Unlock()

	receipt, err = submit()

	dc.mu.Lock()
	e.receipt, e.err, e.timestamp = receipt, err, time.Now()
	if err != nil {
		delete(dc.entries, key)
	}
	dc.mu.Unlock()
	close(e.done)

	return receipt, false, err
}

// Len returns the number of cached keys.
func (dc *dedupCache) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

// Stop stops the cleanup goroutine
func (dc *dedupCache) Stop() {
	dc.once.Do(func() { close(dc.stop) })
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup() {
	ticker := time.NewTicker(dc.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dc.evictExpired(time.Now())
		case <-dc.stop:
			return
		}
	}
}

func (dc *dedupCache) evictExpired(now time.Time) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for key, e := range dc.entries {
		if !e.timestamp.IsZero() && now.Sub(e.timestamp) > dc.ttl {
			delete(dc.entries, key)
		}
	}
}
