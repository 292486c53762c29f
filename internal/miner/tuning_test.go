package miner

import (
	"testing"
	"time"
)

func seedBatchSamples(t *batchTuner, n, size int, latencyMs, throughput float64) {
	now := time.Now()
	t.mu.Lock()
	for i := 0; i < n; i++ {
		t.samples = append(t.samples, BatchSample{
			BatchSize:    size,
			ProcessingMs: latencyMs,
			Throughput:   throughput,
			Timestamp:    now,
		})
	}
	t.mu.Unlock()
}

func TestBatchTunerRecordWindow(t *testing.T) {
	m := newTestMiner(t)
	bt := m.batchTuner

	for i := 0; i < batchSampleWindow+50; i++ {
		bt.record(1000, 100*time.Millisecond)
	}
	bt.mu.Lock()
	n := len(bt.samples)
	bt.mu.Unlock()
	if n != batchSampleWindow {
		t.Errorf("sample window = %d, want %d", n, batchSampleWindow)
	}

	// non-positive elapsed is ignored
	bt.record(1000, 0)
	bt.mu.Lock()
	after := len(bt.samples)
	bt.mu.Unlock()
	if after != n {
		t.Error("zero-elapsed sample should be dropped")
	}
}

func TestBatchTunerRecordDerivesRates(t *testing.T) {
	m := newTestMiner(t)
	bt := m.batchTuner

	bt.record(2000, 100*time.Millisecond)
	bt.mu.Lock()
	s := bt.samples[0]
	bt.mu.Unlock()

	if s.ProcessingMs < 99 || s.ProcessingMs > 101 {
		t.Errorf("ProcessingMs = %f, want ~100", s.ProcessingMs)
	}
	if s.Throughput < 19999 || s.Throughput > 20001 {
		t.Errorf("Throughput = %f, want ~20000", s.Throughput)
	}
}

func TestBatchTunerShrinksOnHighLatency(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(8)
	m.batchSize.Store(6000)
	bt := m.batchTuner

	seedBatchSamples(bt, 30, 6000, 300, 20000)
	bt.optimize()

	got := int(m.batchSize.Load())
	// overage (300-200)/300 exceeds the shrink cap, so the cut is
	// exactly 25%
	if got != 4500 {
		t.Errorf("batch size = %d, want 4500 after capped shrink", got)
	}
}

func TestBatchTunerGrowsOnLowLatency(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(8)
	m.batchSize.Store(5000)
	bt := m.batchTuner

	seedBatchSamples(bt, 30, 5000, 20, 100)
	bt.optimize()

	got := int(m.batchSize.Load())
	if got <= 5000 {
		t.Errorf("batch size = %d, want growth above 5000", got)
	}
	if got > 6000 {
		t.Errorf("batch size = %d, growth should stay within 20%%", got)
	}
}

func TestBatchTunerHoldsInBand(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(8)
	m.batchSize.Store(5000)
	bt := m.batchTuner

	seedBatchSamples(bt, 30, 5000, 120, 40000)
	bt.optimize()

	if got := int(m.batchSize.Load()); got != 5000 {
		t.Errorf("batch size = %d, want unchanged inside the latency band", got)
	}
}

func TestBatchTunerNeedsMinSamples(t *testing.T) {
	m := newTestMiner(t)
	m.batchSize.Store(5000)
	bt := m.batchTuner

	seedBatchSamples(bt, batchMinSamples-1, 5000, 400, 100)
	bt.optimize()

	if got := int(m.batchSize.Load()); got != 5000 {
		t.Errorf("batch size = %d, want unchanged with too few samples", got)
	}
}

func TestBatchTunerClamp(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(8)
	bt := m.batchTuner

	// floor is max(config min, workers*20) = 400
	if got := bt.clamp(10); got != 400 {
		t.Errorf("clamp(10) = %d, want 400", got)
	}
	// ceiling is min(config max, workers*1000) = 8000
	if got := bt.clamp(100000); got != 8000 {
		t.Errorf("clamp(100000) = %d, want 8000", got)
	}
	if got := bt.clamp(5000); got != 5000 {
		t.Errorf("clamp(5000) = %d, want 5000", got)
	}

	// many workers push the floor above the config minimum
	m.workerBudget.Store(64)
	if got := bt.clamp(10); got != 1280 {
		t.Errorf("clamp(10) with 64 workers = %d, want 1280", got)
	}
}

func seedWorkerSamples(t *workerTuner, n, workers int, hashRate, cpu float64) {
	now := time.Now()
	t.mu.Lock()
	for i := 0; i < n; i++ {
		t.samples = append(t.samples, WorkerSample{
			Workers:   workers,
			HashRate:  hashRate,
			CPUUsage:  cpu,
			Timestamp: now,
		})
	}
	t.mu.Unlock()
}

func TestWorkerTunerSuggestsBetterCount(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(4)
	wt := m.workerTuner

	// per-worker efficiency at 8 workers is double that at 4, which
	// dominates any hardware-proximity weighting
	seedWorkerSamples(wt, 10, 4, 1000, 50)
	seedWorkerSamples(wt, 10, 8, 4000, 50)
	wt.evaluate()

	if got := wt.Suggested(); got != 8 {
		t.Errorf("suggested = %d, want 8", got)
	}
}

func TestWorkerTunerNoSuggestionNearCurrent(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(4)
	wt := m.workerTuner

	seedWorkerSamples(wt, 10, 4, 1000, 50)
	wt.evaluate()

	if got := wt.Suggested(); got != 0 {
		t.Errorf("suggested = %d, want 0 when best matches current", got)
	}
}

func TestWorkerTunerSaturationPenalty(t *testing.T) {
	m := newTestMiner(t)
	m.workerBudget.Store(4)
	wt := m.workerTuner

	// 8 workers hash slightly faster but pin the CPU; the saturation
	// penalty makes 6 the better pick
	seedWorkerSamples(wt, 10, 6, 3000, 70)
	seedWorkerSamples(wt, 10, 8, 3300, 98)
	wt.evaluate()

	if got := wt.Suggested(); got != 6 {
		t.Errorf("suggested = %d, want 6 under CPU saturation", got)
	}
}

func TestWorkerTunerNoSamples(t *testing.T) {
	m := newTestMiner(t)
	wt := m.workerTuner

	wt.evaluate()
	if got := wt.Suggested(); got != 0 {
		t.Errorf("suggested = %d, want 0 with no samples", got)
	}
}
