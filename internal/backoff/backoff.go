// Package backoff tracks a blocking interval per name so the Suite
// Scheduler's restart-and-retry loop (spec §4.5 step 3c) does not hammer
// a SUT that is failing to come back up. Adapted directly from the
// teacher's internal/runner/backoffs.go TTL-cache idiom; here the Suite
// Scheduler keys it by suite name instead of a cloud queue name.
package backoff

import (
	"sync"
	"time"

	ttlCache "github.com/karlmutch/go-cache"
)

// Backoffs holds one blocking-until timestamp per name (the Suite
// Scheduler uses suite names).
type Backoffs struct {
	mu    sync.Mutex
	cache *ttlCache.Cache
}

// New builds a Backoffs with a default cleanup interval, matching the
// teacher's 10s/1min tuning.
func New() *Backoffs {
	return &Backoffs{cache: ttlCache.New(10*time.Second, time.Minute)}
}

// Set records a blocking interval for sutName, keeping the longer of any
// existing blocker and the new one.
func (b *Backoffs) Set(sutName string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if expires, isPresent := b.get(sutName); isPresent && time.Now().Add(d).Before(expires) {
		return
	}
	b.cache.Set(sutName, time.Now().Add(d), d)
}

// Get retrieves sutName's current blocking deadline, if any.
func (b *Backoffs) Get(sutName string) (expires time.Time, isPresent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(sutName)
}

func (b *Backoffs) get(sutName string) (expires time.Time, isPresent bool) {
	result, present := b.cache.Get(sutName)
	if !present {
		return expires, present
	}
	return result.(time.Time), present
}

// Wait blocks until sutName's backoff (if any) has elapsed.
func (b *Backoffs) Wait(sutName string) {
	expires, present := b.Get(sutName)
	if !present {
		return
	}
	if remaining := time.Until(expires); remaining > 0 {
		time.Sleep(remaining)
	}
}
