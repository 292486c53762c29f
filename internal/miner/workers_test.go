package miner

import (
	"testing"
	"time"
)

func TestAssignAndRelease(t *testing.T) {
	tab := newWorkerTable()

	if !tab.Assign(0, "tos1a", 0) {
		t.Fatal("assign to idle slot should succeed")
	}
	if tab.Assign(0, "tos1b", NonceRangeSize) {
		t.Error("assign of a busy slot to a different address should fail")
	}
	if !tab.Assign(0, "tos1a", 0) {
		t.Error("re-assign of a busy slot to the same address should succeed")
	}

	tab.Release(0)
	if !tab.Assign(0, "tos1b", 0) {
		t.Error("assign after release should succeed")
	}
}

func TestAssignCursorSticky(t *testing.T) {
	tab := newWorkerTable()

	tab.Assign(0, "tos1a", 0)
	tab.RecordBatch(0, 2000, time.Second)
	if got := tab.Cursor(0); got != 2000 {
		t.Fatalf("cursor = %d, want 2000", got)
	}

	// release and re-assign to the same address resumes the cursor
	tab.Release(0)
	tab.Assign(0, "tos1a", 0)
	if got := tab.Cursor(0); got != 2000 {
		t.Errorf("cursor after same-address reassign = %d, want 2000", got)
	}

	// a different address resets it
	tab.Release(0)
	tab.Assign(0, "tos1b", 0)
	if got := tab.Cursor(0); got != 0 {
		t.Errorf("cursor after new-address assign = %d, want 0", got)
	}
}

func TestRecordBatchAccumulates(t *testing.T) {
	tab := newWorkerTable()
	tab.Assign(3, "tos1a", 0)

	next := tab.RecordBatch(3, 1000, 500*time.Millisecond)
	if next != 1000 {
		t.Errorf("next cursor = %d, want 1000", next)
	}
	next = tab.RecordBatch(3, 500, 250*time.Millisecond)
	if next != 1500 {
		t.Errorf("next cursor = %d, want 1500", next)
	}

	snap := tab.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}
	if snap[0].HashesComputed != 1500 {
		t.Errorf("HashesComputed = %d, want 1500", snap[0].HashesComputed)
	}
	if snap[0].HashRate != 2000 {
		t.Errorf("HashRate = %f, want 2000", snap[0].HashRate)
	}
}

func TestActiveCountHeartbeat(t *testing.T) {
	tab := newWorkerTable()
	tab.Assign(0, "tos1a", 0)
	tab.Assign(1, "tos1b", NonceRangeSize)
	tab.SetStatus(1, WorkerSubmitting)
	tab.Assign(2, "tos1c", 2*NonceRangeSize)
	tab.SetStatus(2, WorkerCompleted)

	now := time.Now()
	if got := tab.ActiveCount(now); got != 2 {
		t.Errorf("ActiveCount = %d, want 2 (mining + submitting)", got)
	}

	// stale heartbeats do not count
	if got := tab.ActiveCount(now.Add(workerStaleAfter + time.Second)); got != 0 {
		t.Errorf("ActiveCount with stale heartbeats = %d, want 0", got)
	}
}

func TestTotalHashRate(t *testing.T) {
	tab := newWorkerTable()
	tab.Assign(0, "tos1a", 0)
	tab.RecordBatch(0, 1000, time.Second)
	tab.Assign(1, "tos1b", NonceRangeSize)
	tab.RecordBatch(1, 3000, time.Second)

	// completed workers are excluded from the rollup
	tab.Assign(2, "tos1c", 2*NonceRangeSize)
	tab.RecordBatch(2, 9000, time.Second)
	tab.SetStatus(2, WorkerCompleted)

	if got := tab.TotalHashRate(); got != 4000 {
		t.Errorf("TotalHashRate = %f, want 4000", got)
	}
}

func TestResetStuckSubmitting(t *testing.T) {
	tab := newWorkerTable()
	tab.Assign(0, "tos1a", 0)
	tab.SetStatus(0, WorkerSubmitting)

	now := time.Now()
	if got := tab.ResetStuckSubmitting(5*time.Minute, now); got != 0 {
		t.Errorf("fresh submitting worker reset = %d, want 0", got)
	}

	if got := tab.ResetStuckSubmitting(5*time.Minute, now.Add(6*time.Minute)); got != 1 {
		t.Errorf("stuck submitting worker reset = %d, want 1", got)
	}
	snap := tab.Snapshot()
	if snap[0].Status != WorkerMining {
		t.Errorf("status = %s, want mining after reset", snap[0].Status)
	}
}

func TestDropOrphans(t *testing.T) {
	tab := newWorkerTable()
	for i := 0; i < 8; i++ {
		tab.Assign(i, "tos1a", uint64(i)*NonceRangeSize)
	}

	if got := tab.DropOrphans(4); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
	if got := len(tab.Snapshot()); got != 4 {
		t.Errorf("remaining = %d, want 4", got)
	}
	if got := tab.DropOrphans(4); got != 0 {
		t.Errorf("second drop = %d, want 0", got)
	}
}
