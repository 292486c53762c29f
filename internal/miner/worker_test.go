package miner

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
)

func TestBuildBatchRangesDisjoint(t *testing.T) {
	m := newTestMiner(t)
	ch := &Challenge{ID: "ch-1", Difficulty: "000FFFFF"}

	m.workers.Assign(0, "tos1a", 0)
	m.workers.Assign(1, "tos1a", NonceRangeSize)

	nonces0, _ := m.buildBatch(ch, "tos1a", 0, 10)
	nonces1, _ := m.buildBatch(ch, "tos1a", 1, 10)

	for i := range nonces0 {
		n0, err := strconv.ParseUint(nonces0[i], 16, 64)
		if err != nil {
			t.Fatalf("parse nonce %q: %v", nonces0[i], err)
		}
		n1, err := strconv.ParseUint(nonces1[i], 16, 64)
		if err != nil {
			t.Fatalf("parse nonce %q: %v", nonces1[i], err)
		}
		if n0 >= NonceRangeSize {
			t.Errorf("worker 0 nonce %d outside its range", n0)
		}
		if n1 < NonceRangeSize || n1 >= 2*NonceRangeSize {
			t.Errorf("worker 1 nonce %d outside its range", n1)
		}
	}
}

func TestBuildBatchAdvancesWithCursor(t *testing.T) {
	m := newTestMiner(t)
	ch := &Challenge{ID: "ch-1", Difficulty: "000FFFFF"}

	m.workers.Assign(2, "tos1a", 2*NonceRangeSize)
	first, _ := m.buildBatch(ch, "tos1a", 2, 4)

	m.workers.RecordBatch(2, 4, 1)
	second, _ := m.buildBatch(ch, "tos1a", 2, 4)

	if first[0] != fmt.Sprintf("%016x", 2*NonceRangeSize) {
		t.Errorf("first nonce = %s, want range base", first[0])
	}
	if second[0] != fmt.Sprintf("%016x", 2*NonceRangeSize+4) {
		t.Errorf("second batch start = %s, want base+4", second[0])
	}
}

func TestBuildBatchWrapsWithinRange(t *testing.T) {
	m := newTestMiner(t)
	ch := &Challenge{ID: "ch-1", Difficulty: "000FFFFF"}

	// place the cursor two nonces shy of the range end
	m.workers.Assign(1, "tos1a", NonceRangeSize)
	w, lock := m.workers.slot(1)
	lock.Lock()
	w.nonceCursor = NonceRangeSize - 2
	lock.Unlock()

	nonces, _ := m.buildBatch(ch, "tos1a", 1, 4)

	want := []uint64{
		2*NonceRangeSize - 2,
		2*NonceRangeSize - 1,
		NonceRangeSize, // wrapped back to the range base
		NonceRangeSize + 1,
	}
	for i, n := range nonces {
		got, err := strconv.ParseUint(n, 16, 64)
		if err != nil {
			t.Fatalf("parse nonce %q: %v", n, err)
		}
		if got != want[i] {
			t.Errorf("nonce[%d] = %d, want %d", i, got, want[i])
		}
	}
}

func TestBuildBatchPreimageLayout(t *testing.T) {
	m := newTestMiner(t)
	ch := &Challenge{
		ID:               "challenge-7",
		Difficulty:       "000FFFFF",
		NoPreMine:        "npm",
		LatestSubmission: "latest",
		NoPreMineHour:    "hour",
	}

	m.workers.Assign(0, "tos1a", 0)
	nonces, preimages := m.buildBatch(ch, "tos1a", 0, 1)

	want := nonces[0] + "tos1a" + "**challenge-7" + "000FFFFF" + "npm" + "latest" + "hour"
	if preimages[0] != want {
		t.Errorf("preimage = %q, want %q", preimages[0], want)
	}
	if !strings.HasPrefix(preimages[0], "0000000000000000") {
		t.Errorf("first nonce should encode as 16 zero hex digits, got %q", nonces[0])
	}
}
