package miner

import (
	"sync"
	"time"
)

const (
	// submittedHashCeiling bounds the dedup set; the sweep evicts the
	// oldest half once the ceiling is crossed
	submittedHashCeiling = 5000

	// solvedPerAddressCap bounds each per-address solved set
	solvedPerAddressCap = 256
)

// sharedState holds every per-challenge map the workers, arbiter, and
// sweeps mutate. All access goes through its methods; a single mutex
// keeps the claim primitive linearizable.
type sharedState struct {
	mu sync.Mutex

	failures   map[SubKey]int
	paused     map[SubKey]bool
	submitting map[SubKey]bool

	// solved tracks accepted work per address, bounded per address
	solved      map[string]map[string]struct{}
	solvedOrder map[string][]string

	// submittedHashes prevents duplicate claims on different passing
	// hashes for work already handed to the arbiter
	submittedHashes map[string]struct{}
	submittedOrder  []string

	// cooldownUntil delays retries for addresses that exhausted their
	// failure budget
	cooldownUntil map[string]time.Time
}

func newSharedState() *sharedState {
	return &sharedState{
		failures:        make(map[SubKey]int),
		paused:          make(map[SubKey]bool),
		submitting:      make(map[SubKey]bool),
		solved:          make(map[string]map[string]struct{}),
		solvedOrder:     make(map[string][]string),
		submittedHashes: make(map[string]struct{}),
		cooldownUntil:   make(map[string]time.Time),
	}
}

// TryClaim atomically takes submission ownership of key. On success
// the paused flag is set for the key and the hash is recorded in the
// dedup set, so sibling workers stop hashing and cannot re-claim the
// same or another passing hash.
func (s *sharedState) TryClaim(key SubKey, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitting[key] {
		return false
	}
	if _, seen := s.submittedHashes[hash]; seen {
		return false
	}

	s.submitting[key] = true
	s.paused[key] = true
	s.submittedHashes[hash] = struct{}{}
	s.submittedOrder = append(s.submittedOrder, hash)
	return true
}

// ReleaseClaim drops the submitting flag. The paused flag is released
// too unless keepPaused is set (it stays up between a success and the
// sibling workers observing solved state).
func (s *sharedState) ReleaseClaim(key SubKey, keepPaused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitting, key)
	if !keepPaused {
		delete(s.paused, key)
	}
}

// IsSubmitting reports whether another worker owns the key
func (s *sharedState) IsSubmitting(key SubKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitting[key]
}

// IsPaused reports whether hashing for the key is paused pending a
// submission outcome
func (s *sharedState) IsPaused(key SubKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[key]
}

// HashSeen reports whether the hash was already handed to the arbiter
func (s *sharedState) HashSeen(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.submittedHashes[hash]
	return seen
}

// Fail increments and returns the failure count for the key
func (s *sharedState) Fail(key SubKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key]++
	return s.failures[key]
}

// FailureCount returns the failure count for the key
func (s *sharedState) FailureCount(key SubKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[key]
}

// ClearFailures resets the failure count for the key
func (s *sharedState) ClearFailures(key SubKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, key)
}

// MarkSolved records the challenge as solved for the address and
// clears its failure count. The per-address set is bounded; the
// oldest half is dropped past the cap.
func (s *sharedState) MarkSolved(address, challengeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.solved[address]
	if !ok {
		set = make(map[string]struct{})
		s.solved[address] = set
	}
	if _, exists := set[challengeID]; !exists {
		set[challengeID] = struct{}{}
		s.solvedOrder[address] = append(s.solvedOrder[address], challengeID)
	}
	delete(s.failures, SubKey{Address: address, ChallengeID: challengeID})
	delete(s.cooldownUntil, address)

	if len(set) > solvedPerAddressCap {
		order := s.solvedOrder[address]
		drop := len(order) / 2
		for _, id := range order[:drop] {
			delete(set, id)
		}
		s.solvedOrder[address] = append([]string(nil), order[drop:]...)
	}
}

// IsSolved reports whether the address already solved the challenge
func (s *sharedState) IsSolved(address, challengeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.solved[address]
	if !ok {
		return false
	}
	_, solved := set[challengeID]
	return solved
}

// SetCooldown delays retries for an address until the given time
func (s *sharedState) SetCooldown(address string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil[address] = until
}

// InCooldown reports whether the address is still cooling down
func (s *sharedState) InCooldown(address string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldownUntil[address]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(s.cooldownUntil, address)
		return false
	}
	return true
}

// ClearChallengeState evicts every per-challenge map entry. Called on
// challenge change and on full restart; solved sets survive.
func (s *sharedState) ClearChallengeState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[SubKey]int)
	s.paused = make(map[SubKey]bool)
	s.submitting = make(map[SubKey]bool)
	s.cooldownUntil = make(map[string]time.Time)
}

// ClearBlockingState drops pause/submitting flags and cooldowns but
// keeps failure counts. Used by the no-active-workers failsafe.
func (s *sharedState) ClearBlockingState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = make(map[SubKey]bool)
	s.submitting = make(map[SubKey]bool)
	s.cooldownUntil = make(map[string]time.Time)
}

// EvictStale removes entries keyed to a challenge other than
// currentID. Returns the number of entries removed.
func (s *sharedState) EvictStale(currentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.failures {
		if key.ChallengeID != currentID {
			delete(s.failures, key)
			removed++
		}
	}
	for key := range s.paused {
		if key.ChallengeID != currentID {
			delete(s.paused, key)
			removed++
		}
	}
	for key := range s.submitting {
		if key.ChallengeID != currentID {
			delete(s.submitting, key)
			removed++
		}
	}
	return removed
}

// TrimSubmitted evicts the oldest half of the dedup set once it
// exceeds the ceiling. Returns the number of hashes evicted.
func (s *sharedState) TrimSubmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.submittedHashes) <= submittedHashCeiling {
		return 0
	}

	drop := len(s.submittedOrder) / 2
	for _, hash := range s.submittedOrder[:drop] {
		delete(s.submittedHashes, hash)
	}
	s.submittedOrder = append([]string(nil), s.submittedOrder[drop:]...)
	return drop
}

// SolvedChallenges returns a copy of the solved set for an address
func (s *sharedState) SolvedChallenges(address string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.solvedOrder[address]...)
}
