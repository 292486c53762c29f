package miner

import (
	"sync"
	"time"
)

// registeredCacheTTL keeps the registered-address scan cheap between
// refreshes
const registeredCacheTTL = 5 * time.Second

// registeredCacheStale forces the sweep to rebuild a cache this old
// even if nothing invalidated it
const registeredCacheStale = 5 * time.Minute

// addressTracker answers "which addresses can mine right now". It
// owns the wallet-derived address list and caches the registered
// subset; solved and cooldown filtering happens per call against the
// shared state.
type addressTracker struct {
	mu        sync.Mutex
	addresses []Address

	cached   []Address
	cachedAt time.Time
	state    *sharedState
}

func newAddressTracker(state *sharedState) *addressTracker {
	return &addressTracker{state: state}
}

// SetAddresses replaces the tracked address list and invalidates the
// cache. Called after wallet load and after registration completes.
func (t *addressTracker) SetAddresses(addresses []Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses = append([]Address(nil), addresses...)
	t.cached = nil
}

// MarkRegistered flips the registered bit for an address index and
// invalidates the cache
func (t *addressTracker) MarkRegistered(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.addresses {
		if t.addresses[i].Index == index {
			t.addresses[i].Registered = true
			break
		}
	}
	t.cached = nil
}

// Invalidate drops the registered-subset cache
func (t *addressTracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cached = nil
}

// InvalidateIfStale drops the cache if it has not been rebuilt for
// registeredCacheStale. Returns true if it evicted anything.
func (t *addressTracker) InvalidateIfStale(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached != nil && now.Sub(t.cachedAt) > registeredCacheStale {
		t.cached = nil
		return true
	}
	return false
}

// registered returns the cached registered subset, rebuilding it when
// the TTL lapses
func (t *addressTracker) registered(now time.Time) []Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != nil && now.Sub(t.cachedAt) < registeredCacheTTL {
		return t.cached
	}

	subset := make([]Address, 0, len(t.addresses))
	for _, a := range t.addresses {
		if a.Registered {
			subset = append(subset, a)
		}
	}
	t.cached = subset
	t.cachedAt = now
	return subset
}

// Available returns registered addresses that have not solved the
// current challenge and are not cooling down
func (t *addressTracker) Available(challengeID string, now time.Time) []Address {
	subset := t.registered(now)
	out := make([]Address, 0, len(subset))
	for _, a := range subset {
		if t.state.IsSolved(a.Address, challengeID) {
			continue
		}
		if t.state.InCooldown(a.Address, now) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Unregistered returns addresses still waiting on registration
func (t *addressTracker) Unregistered() []Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Address, 0)
	for _, a := range t.addresses {
		if !a.Registered {
			out = append(out, a)
		}
	}
	return out
}

// Counts returns (total, registered) address counts
func (t *addressTracker) Counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	registered := 0
	for _, a := range t.addresses {
		if a.Registered {
			registered++
		}
	}
	return len(t.addresses), registered
}

// AllRegistered reports whether every tracked address is registered
func (t *addressTracker) AllRegistered() bool {
	total, registered := t.Counts()
	return total > 0 && registered == total
}
