package engine

import (
	"context"
	"testing"
	"time"
)

// waitReady spins until the engine reports ready or the deadline hits.
func waitReady(t *testing.T, e *LocalEngine) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !e.IsReady() {
		if time.Now().After(deadline) {
			t.Fatal("engine never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHashBatchNotReady(t *testing.T) {
	e := NewLocalEngine()
	if _, err := e.HashBatch(context.Background(), []string{"x"}); err != ErrNotReady {
		t.Errorf("HashBatch before InitRom = %v, want ErrNotReady", err)
	}
}

func TestHashBatchDeterministic(t *testing.T) {
	e := NewLocalEngine()
	if err := e.InitRom(context.Background(), "seed1"); err != nil {
		t.Fatalf("InitRom() error: %v", err)
	}
	waitReady(t, e)

	preimages := []string{"a", "b", "c"}
	first, err := e.HashBatch(context.Background(), preimages)
	if err != nil {
		t.Fatalf("HashBatch() error: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("got %d hashes, want 3", len(first))
	}

	second, err := e.HashBatch(context.Background(), preimages)
	if err != nil {
		t.Fatalf("HashBatch() error: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("hash %d differs between runs: %s vs %s", i, first[i], second[i])
		}
		if len(first[i]) != 64 {
			t.Errorf("hash %d is %d hex chars, want 64", i, len(first[i]))
		}
	}

	// Distinct preimages produce distinct digests
	if first[0] == first[1] {
		t.Error("distinct preimages produced identical hashes")
	}
}

func TestRomSeedChangesOutput(t *testing.T) {
	e := NewLocalEngine()
	e.InitRom(context.Background(), "seed1")
	waitReady(t, e)
	h1, err := e.HashBatch(context.Background(), []string{"same"})
	if err != nil {
		t.Fatalf("HashBatch() error: %v", err)
	}

	e.InitRom(context.Background(), "seed2")
	waitReady(t, e)
	h2, err := e.HashBatch(context.Background(), []string{"same"})
	if err != nil {
		t.Fatalf("HashBatch() error: %v", err)
	}

	if h1[0] == h2[0] {
		t.Error("different ROM seeds should change the digest")
	}
}

func TestInitRomSameSeedNoop(t *testing.T) {
	e := NewLocalEngine()
	e.InitRom(context.Background(), "seed1")
	waitReady(t, e)

	// Re-initializing with the same seed keeps the engine ready
	e.InitRom(context.Background(), "seed1")
	if !e.IsReady() {
		t.Error("InitRom with unchanged seed should stay ready")
	}
}

func TestKillWorkersDiscardsBatch(t *testing.T) {
	e := NewLocalEngine()
	e.InitRom(context.Background(), "seed1")
	waitReady(t, e)

	e.KillWorkers()
	// Engine stays ready; only in-flight generations are discarded
	if !e.IsReady() {
		t.Error("KillWorkers should not drop readiness")
	}

	// A batch dispatched after the kill still works
	if _, err := e.HashBatch(context.Background(), []string{"x"}); err != nil {
		t.Errorf("HashBatch after KillWorkers = %v, want nil", err)
	}
}

func TestHashBatchContextCancelled(t *testing.T) {
	e := NewLocalEngine()
	e.InitRom(context.Background(), "seed1")
	waitReady(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	big := make([]string, 5000)
	for i := range big {
		big[i] = "p"
	}
	if _, err := e.HashBatch(ctx, big); err == nil {
		t.Error("HashBatch with cancelled context should fail")
	}
}

func TestConcurrentHashBatch(t *testing.T) {
	e := NewLocalEngine()
	e.InitRom(context.Background(), "seed1")
	waitReady(t, e)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := e.HashBatch(context.Background(), []string{"a", "b"})
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent HashBatch error: %v", err)
		}
	}
}
