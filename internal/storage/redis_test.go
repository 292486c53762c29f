package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestWriteReceiptAccepted(t *testing.T) {
	client, _ := setupRedis(t)

	rec := &Receipt{
		Address:     "tos1abc",
		ChallengeID: "ch1",
		Nonce:       "00000000000000ff",
		Hash:        "0008aabb",
		Status:      ReceiptAccepted,
	}
	if err := client.WriteReceipt(rec); err != nil {
		t.Fatalf("WriteReceipt() error: %v", err)
	}

	// Receipt retrievable
	receipts, err := client.GetRecentReceipts(10)
	if err != nil {
		t.Fatalf("GetRecentReceipts() error: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts, want 1", len(receipts))
	}
	if receipts[0].Address != "tos1abc" || receipts[0].ChallengeID != "ch1" {
		t.Errorf("receipt mismatch: %+v", receipts[0])
	}
	if receipts[0].Timestamp == 0 {
		t.Error("timestamp should be backfilled")
	}

	// Solved set updated
	solved, err := client.GetSolved("tos1abc")
	if err != nil {
		t.Fatalf("GetSolved() error: %v", err)
	}
	if len(solved) != 1 || solved[0] != "ch1" {
		t.Errorf("solved = %v, want [ch1]", solved)
	}

	// Counter updated
	counters, err := client.GetCounters()
	if err != nil {
		t.Fatalf("GetCounters() error: %v", err)
	}
	if counters.SolutionsAccepted != 1 {
		t.Errorf("SolutionsAccepted = %d, want 1", counters.SolutionsAccepted)
	}
}

func TestWriteReceiptDuplicateMarksSolved(t *testing.T) {
	client, _ := setupRedis(t)

	rec := &Receipt{
		Address:     "tos1abc",
		ChallengeID: "ch2",
		Status:      ReceiptDuplicate,
	}
	if err := client.WriteReceipt(rec); err != nil {
		t.Fatalf("WriteReceipt() error: %v", err)
	}

	solved, _ := client.GetSolved("tos1abc")
	if len(solved) != 1 || solved[0] != "ch2" {
		t.Errorf("duplicate receipt should mark solved, got %v", solved)
	}

	counters, _ := client.GetCounters()
	if counters.SolutionsDuplicate != 1 {
		t.Errorf("SolutionsDuplicate = %d, want 1", counters.SolutionsDuplicate)
	}
	if counters.SolutionsAccepted != 0 {
		t.Errorf("SolutionsAccepted = %d, want 0", counters.SolutionsAccepted)
	}
}

func TestWriteReceiptErrorDoesNotMarkSolved(t *testing.T) {
	client, _ := setupRedis(t)

	rec := &Receipt{
		Address:     "tos1abc",
		ChallengeID: "ch3",
		Status:      ReceiptError,
		Message:     "timeout",
	}
	if err := client.WriteReceipt(rec); err != nil {
		t.Fatalf("WriteReceipt() error: %v", err)
	}

	solved, _ := client.GetSolved("tos1abc")
	if len(solved) != 0 {
		t.Errorf("error receipt should not mark solved, got %v", solved)
	}
}

func TestReceiptOrderNewestFirst(t *testing.T) {
	client, _ := setupRedis(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		client.WriteReceipt(&Receipt{Address: "tos1a", ChallengeID: id, Status: ReceiptAccepted})
	}

	receipts, err := client.GetRecentReceipts(2)
	if err != nil {
		t.Fatalf("GetRecentReceipts() error: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("got %d receipts, want 2", len(receipts))
	}
	if receipts[0].ChallengeID != "c3" {
		t.Errorf("newest receipt = %s, want c3", receipts[0].ChallengeID)
	}
}

func TestReadReceiptsRebuild(t *testing.T) {
	client, _ := setupRedis(t)

	client.WriteReceipt(&Receipt{Address: "tos1a", ChallengeID: "c1", Status: ReceiptAccepted})
	client.WriteReceipt(&Receipt{Address: "tos1b", ChallengeID: "c1", Status: ReceiptDuplicate})
	client.WriteReceipt(&Receipt{Address: "tos1c", ChallengeID: "c1", Status: ReceiptError})

	receipts, err := client.ReadReceipts()
	if err != nil {
		t.Fatalf("ReadReceipts() error: %v", err)
	}
	if len(receipts) != 3 {
		t.Fatalf("got %d receipts, want 3", len(receipts))
	}

	// Rebuild pass: only accepted/duplicate imply solved
	solvedCount := 0
	for _, rec := range receipts {
		if rec.Status == ReceiptAccepted || rec.Status == ReceiptDuplicate {
			solvedCount++
		}
	}
	if solvedCount != 2 {
		t.Errorf("solved-implying receipts = %d, want 2", solvedCount)
	}
}

func TestTrimSolved(t *testing.T) {
	client, _ := setupRedis(t)

	for i := 0; i < maxSolvedPerAddress+50; i++ {
		client.AddSolved("tos1a", "ch"+string(rune('a'+i%26))+string(rune('0'+i/26)))
	}

	if err := client.TrimSolved("tos1a"); err != nil {
		t.Fatalf("TrimSolved() error: %v", err)
	}

	solved, _ := client.GetSolved("tos1a")
	if len(solved) > maxSolvedPerAddress {
		t.Errorf("solved set size %d exceeds cap %d", len(solved), maxSolvedPerAddress)
	}
}

func TestRecordRestart(t *testing.T) {
	client, _ := setupRedis(t)

	if err := client.RecordRestart(); err != nil {
		t.Fatalf("RecordRestart() error: %v", err)
	}
	if err := client.RecordRestart(); err != nil {
		t.Fatalf("RecordRestart() error: %v", err)
	}

	counters, err := client.GetCounters()
	if err != nil {
		t.Fatalf("GetCounters() error: %v", err)
	}
	if counters.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", counters.Restarts)
	}
}

func TestWriteError(t *testing.T) {
	client, _ := setupRedis(t)

	rec := &Receipt{Address: "tos1a", ChallengeID: "c1", Message: "boom"}
	if err := client.WriteError(rec); err != nil {
		t.Fatalf("WriteError() error: %v", err)
	}

	counters, _ := client.GetCounters()
	if counters.SubmitErrors != 1 {
		t.Errorf("SubmitErrors = %d, want 1", counters.SubmitErrors)
	}
}
