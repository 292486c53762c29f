package miner

import (
	"sync"
	"time"
)

// workerStaleAfter marks a worker inactive once its heartbeat is
// older than this
const workerStaleAfter = 90 * time.Second

// workerTable tracks per-worker state. Assignment uses a per-worker
// lock so two goroutines cannot hand the same slot different
// addresses; readers take a table-level RLock for rollups.
type workerTable struct {
	mu      sync.RWMutex
	workers map[int]*WorkerState
	locks   map[int]*sync.Mutex
}

func newWorkerTable() *workerTable {
	return &workerTable{
		workers: make(map[int]*WorkerState),
		locks:   make(map[int]*sync.Mutex),
	}
}

func (t *workerTable) slot(id int) (*WorkerState, *sync.Mutex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[id]
	if !ok {
		w = &WorkerState{ID: id, Status: WorkerIdle}
		t.workers[id] = w
		t.locks[id] = &sync.Mutex{}
	}
	return w, t.locks[id]
}

// Assign binds a worker slot to an address and its nonce cursor.
// It fails if the slot is already working a different address.
func (t *workerTable) Assign(id int, address string, nonceStart uint64) bool {
	w, lock := t.slot(id)
	lock.Lock()
	defer lock.Unlock()

	if w.Status != WorkerIdle && w.Status != WorkerCompleted && w.Address != address {
		return false
	}
	if w.Address != address {
		// fresh address, fresh cursor; re-assignment to the same
		// address keeps its place in the nonce range
		w.nonceCursor = nonceStart
		w.HashesComputed = 0
	}
	w.Address = address
	w.Status = WorkerMining
	w.HashRate = 0
	w.LastUpdate = time.Now()
	return true
}

// Release returns the slot to idle. The last address sticks to the
// slot so a re-assignment to it resumes the nonce cursor.
func (t *workerTable) Release(id int) {
	w, lock := t.slot(id)
	lock.Lock()
	defer lock.Unlock()
	w.Status = WorkerIdle
	w.LastUpdate = time.Now()
}

// SetStatus updates a worker's status and heartbeat
func (t *workerTable) SetStatus(id int, status WorkerStatus) {
	w, lock := t.slot(id)
	lock.Lock()
	defer lock.Unlock()
	w.Status = status
	w.LastUpdate = time.Now()
}

// RecordBatch accumulates hashes, advances the nonce cursor, and
// refreshes the heartbeat. Returns the nonce the next batch starts at.
func (t *workerTable) RecordBatch(id int, hashes int, elapsed time.Duration) uint64 {
	w, lock := t.slot(id)
	lock.Lock()
	defer lock.Unlock()

	w.HashesComputed += uint64(hashes)
	if elapsed > 0 {
		w.HashRate = float64(hashes) / elapsed.Seconds()
	}
	w.LastUpdate = time.Now()
	w.nonceCursor += uint64(hashes)
	return w.nonceCursor
}

// Cursor returns the worker's current nonce cursor
func (t *workerTable) Cursor(id int) uint64 {
	w, lock := t.slot(id)
	lock.Lock()
	defer lock.Unlock()
	return w.nonceCursor
}

// Snapshot returns copies of all worker states sorted by nothing in
// particular; callers sort if they need order.
func (t *workerTable) Snapshot() []WorkerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]WorkerState, 0, len(t.workers))
	for id, w := range t.workers {
		lock := t.locks[id]
		lock.Lock()
		out = append(out, *w)
		lock.Unlock()
	}
	return out
}

// ActiveCount counts workers that are mining or submitting with a
// fresh heartbeat
func (t *workerTable) ActiveCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for id, w := range t.workers {
		lock := t.locks[id]
		lock.Lock()
		active := (w.Status == WorkerMining || w.Status == WorkerSubmitting) &&
			now.Sub(w.LastUpdate) < workerStaleAfter
		lock.Unlock()
		if active {
			n++
		}
	}
	return n
}

// TotalHashRate sums the hash rate of every active worker
func (t *workerTable) TotalHashRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for id, w := range t.workers {
		lock := t.locks[id]
		lock.Lock()
		if w.Status == WorkerMining || w.Status == WorkerSubmitting {
			total += w.HashRate
		}
		lock.Unlock()
	}
	return total
}

// ResetStuckSubmitting flips workers stuck in the submitting state
// for longer than maxAge back to mining. Returns how many were reset.
func (t *workerTable) ResetStuckSubmitting(maxAge time.Duration, now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reset := 0
	for id, w := range t.workers {
		lock := t.locks[id]
		lock.Lock()
		if w.Status == WorkerSubmitting && now.Sub(w.LastUpdate) > maxAge {
			w.Status = WorkerMining
			w.LastUpdate = now
			reset++
		}
		lock.Unlock()
	}
	return reset
}

// DropOrphans removes worker slots beyond the configured count; the
// tuner can shrink the pool between rounds.
func (t *workerTable) DropOrphans(maxWorkers int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for id := range t.workers {
		if id >= maxWorkers {
			delete(t.workers, id)
			delete(t.locks, id)
			dropped++
		}
	}
	return dropped
}

// Reset clears every slot back to idle and zeroes counters
func (t *workerTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers = make(map[int]*WorkerState)
	t.locks = make(map[int]*sync.Mutex)
}
