package miner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/storage"
)

// minerWithServer points the miner's challenge client at a stub server
// and installs an active challenge.
func minerWithServer(t *testing.T, handler http.HandlerFunc) *Miner {
	m := newTestMiner(t)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	m.client = rpc.NewChallengeClient(ts.URL, 5*time.Second)

	m.challenge = &Challenge{
		ID:         "ch-1",
		Difficulty: "000FFFFF",
		ZeroBits:   12,
	}
	return m
}

func TestSubmitSolutionAccepted(t *testing.T) {
	requests := 0
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(200)
	})

	outcome := m.submitSolution(context.Background(), m.challenge, "tos1a", "0000000000000001", "000aaa")
	if outcome != submitAccepted {
		t.Fatalf("outcome = %d, want accepted", outcome)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
	if !m.state.IsSolved("tos1a", "ch-1") {
		t.Error("address should be marked solved")
	}
	if got := m.solutionsAccepted.Load(); got != 1 {
		t.Errorf("solutionsAccepted = %d, want 1", got)
	}

	// the pause survives acceptance so sibling workers observe solved
	// state instead of wasting a batch
	key := SubKey{Address: "tos1a", ChallengeID: "ch-1"}
	if !m.state.IsPaused(key) {
		t.Error("pause should be kept after acceptance")
	}
	if m.state.IsSubmitting(key) {
		t.Error("submitting flag should be released")
	}

	receipts, err := m.redis.GetRecentReceipts(10)
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != storage.ReceiptAccepted {
		t.Errorf("want one accepted receipt, got %+v", receipts)
	}
}

func TestSubmitSolutionDuplicateIsSuccess(t *testing.T) {
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"already submitted"}`)
	})

	outcome := m.submitSolution(context.Background(), m.challenge, "tos1a", "0000000000000001", "000aaa")
	if outcome != submitAccepted {
		t.Fatalf("outcome = %d, want accepted on duplicate", outcome)
	}
	if !m.state.IsSolved("tos1a", "ch-1") {
		t.Error("duplicate should still mark the address solved")
	}

	receipts, err := m.redis.GetRecentReceipts(10)
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != storage.ReceiptDuplicate {
		t.Errorf("want one duplicate receipt, got %+v", receipts)
	}
}

func TestSubmitSolutionFailureBudget(t *testing.T) {
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		fmt.Fprint(w, `{"message":"internal"}`)
	})
	max := m.cfg.Miner.MaxSubmitFails

	for i := 1; i < max; i++ {
		outcome := m.submitSolution(context.Background(), m.challenge, "tos1a",
			fmt.Sprintf("%016x", i), fmt.Sprintf("000a%02d", i))
		if outcome != submitFailed {
			t.Fatalf("attempt %d outcome = %d, want failed", i, outcome)
		}
	}

	outcome := m.submitSolution(context.Background(), m.challenge, "tos1a",
		fmt.Sprintf("%016x", max), fmt.Sprintf("000a%02d", max))
	if outcome != submitExhausted {
		t.Fatalf("final outcome = %d, want exhausted", outcome)
	}
	if !m.state.InCooldown("tos1a", time.Now()) {
		t.Error("exhausted address should be cooling down")
	}
	if got := m.submitErrors.Load(); got != uint64(max) {
		t.Errorf("submitErrors = %d, want %d", got, max)
	}
}

func TestSubmitSolutionOwnedElsewhere(t *testing.T) {
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected while a sibling owns the claim")
	})

	key := SubKey{Address: "tos1a", ChallengeID: "ch-1"}
	m.state.TryClaim(key, "other-hash")

	outcome := m.submitSolution(context.Background(), m.challenge, "tos1a", "0000000000000001", "000aaa")
	if outcome != submitOwnedElsewhere {
		t.Errorf("outcome = %d, want owned-elsewhere", outcome)
	}
}

func TestSubmitSolutionDiscardedOnNewChallenge(t *testing.T) {
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a superseded challenge")
	})

	captured := &Challenge{ID: "ch-0", Difficulty: "000FFFFF", ZeroBits: 12}

	outcome := m.submitSolution(context.Background(), captured, "tos1a", "0000000000000001", "000aaa")
	if outcome != submitDiscarded {
		t.Errorf("outcome = %d, want discarded", outcome)
	}
	if m.state.IsSolved("tos1a", "ch-0") {
		t.Error("discarded work must not mark the address solved")
	}
}

func TestSubmitSolutionRevalidatesOnFieldChange(t *testing.T) {
	m := minerWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected when revalidation fails")
	})

	// capture under the old latest-submission value, then move the
	// live challenge; the engine has no ROM so the rehash fails and
	// the solution is discarded rather than submitted stale
	captured := &Challenge{
		ID:               "ch-1",
		Difficulty:       "000FFFFF",
		LatestSubmission: "old",
		ZeroBits:         12,
	}
	m.challenge = &Challenge{
		ID:               "ch-1",
		Difficulty:       "000FFFFF",
		LatestSubmission: "new",
		ZeroBits:         12,
	}

	outcome := m.submitSolution(context.Background(), captured, "tos1a", "0000000000000001", "000aaa")
	if outcome != submitDiscarded {
		t.Errorf("outcome = %d, want discarded", outcome)
	}

	key := SubKey{Address: "tos1a", ChallengeID: "ch-1"}
	if m.state.FailureCount(key) != 0 {
		t.Error("a discard must not count against the failure budget")
	}
	if m.state.IsPaused(key) {
		t.Error("pause should be fully released after a discard")
	}
}
