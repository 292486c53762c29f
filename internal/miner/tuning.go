package miner

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/tos-network/tos-miner/internal/util"
)

// Batch-size tuning targets and limits
const (
	batchSampleWindow  = 200
	batchMinSamples    = 20
	batchRecentSamples = 50

	latencyFloorMs = 50.0
	latencyCeilMs  = 200.0
	latencySweetMs = 100.0

	maxShrinkFraction = 0.25
	maxGrowFraction   = 0.20
	instabilityNudge  = 0.10
	applyThreshold    = 0.05
	varianceCutoff    = 0.30

	impactWindow = 60 * time.Second
)

// batchTuner keeps batch size inside a processing-latency band. It
// records one sample per dispatched batch and adjusts on a timer.
type batchTuner struct {
	m *Miner

	mu      sync.Mutex
	samples []BatchSample

	// one optimization pass at a time
	optimizing sync.Mutex

	// pending impact evaluation after an adjustment
	pendingAt      time.Time
	pendingBefore  float64
	pendingOldSize int
	pendingNewSize int
}

func newBatchTuner(m *Miner) *batchTuner {
	return &batchTuner{m: m}
}

// record adds one batch observation; cheap enough to call from every
// worker on every batch
func (t *batchTuner) record(count int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	sample := BatchSample{
		BatchSize:    count,
		ProcessingMs: float64(elapsed.Microseconds()) / 1000.0,
		Throughput:   float64(count) / elapsed.Seconds(),
		Timestamp:    time.Now(),
	}
	t.mu.Lock()
	t.samples = append(t.samples, sample)
	if len(t.samples) > batchSampleWindow {
		t.samples = t.samples[len(t.samples)-batchSampleWindow:]
	}
	t.mu.Unlock()
}

func (t *batchTuner) run(ctx context.Context) {
	ticker := time.NewTicker(t.m.cfg.Tuning.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.m.mining.Load() {
				continue
			}
			if !t.optimizing.TryLock() {
				continue
			}
			t.optimize()
			t.optimizing.Unlock()
		}
	}
}

// optimize applies the latency-band policy to the recent samples
func (t *batchTuner) optimize() {
	t.mu.Lock()
	if len(t.samples) < batchMinSamples {
		t.mu.Unlock()
		return
	}
	recent := t.samples
	if len(recent) > batchRecentSamples {
		recent = recent[len(recent)-batchRecentSamples:]
	}
	recent = append([]BatchSample(nil), recent...)
	t.mu.Unlock()

	t.evaluateImpact(recent)

	var latSum, thrSum float64
	for _, s := range recent {
		latSum += s.ProcessingMs
		thrSum += s.Throughput
	}
	avgLatency := latSum / float64(len(recent))
	avgThroughput := thrSum / float64(len(recent))

	var varSum float64
	for _, s := range recent {
		d := s.Throughput - avgThroughput
		varSum += d * d
	}
	stddev := math.Sqrt(varSum / float64(len(recent)))
	unstable := avgThroughput > 0 && stddev/avgThroughput > varianceCutoff

	current := int(t.m.batchSize.Load())
	proposed := current

	switch {
	case avgLatency > latencyCeilMs:
		// shrink proportionally to the overage
		cut := (avgLatency - latencyCeilMs) / avgLatency
		if cut > maxShrinkFraction {
			cut = maxShrinkFraction
		}
		proposed = int(float64(current) * (1 - cut))

	case avgLatency < latencyFloorMs && avgThroughput < float64(current)*2:
		grow := (latencyFloorMs - avgLatency) / latencyFloorMs * maxGrowFraction
		proposed = int(float64(current) * (1 + grow))

	case unstable && avgLatency < latencySweetMs:
		proposed = int(float64(current) * (1 + instabilityNudge))
	}

	proposed = t.clamp(proposed)
	if abs(proposed-current) <= int(float64(current)*applyThreshold) {
		return
	}

	t.m.batchSize.Store(int64(proposed))
	t.pendingAt = time.Now()
	t.pendingBefore = avgThroughput
	t.pendingOldSize = current
	t.pendingNewSize = proposed

	util.Infof("Batch size tuned %d -> %d (latency %.1fms, throughput %.0f H/s)",
		current, proposed, avgLatency, avgThroughput)
	t.m.events.Publish(Event{
		Type:    EventMetrics,
		Message: "batch size tuned",
		Fields: map[string]interface{}{
			"old_size":   current,
			"new_size":   proposed,
			"latency_ms": avgLatency,
		},
	})
}

// evaluateImpact compares throughput before and after an adjustment
// once the impact window has passed
func (t *batchTuner) evaluateImpact(recent []BatchSample) {
	if t.pendingAt.IsZero() || time.Since(t.pendingAt) < impactWindow {
		return
	}
	var after float64
	n := 0
	for _, s := range recent {
		if s.Timestamp.After(t.pendingAt) {
			after += s.Throughput
			n++
		}
	}
	if n > 0 {
		after /= float64(n)
		delta := 0.0
		if t.pendingBefore > 0 {
			delta = (after - t.pendingBefore) / t.pendingBefore * 100
		}
		util.Infof("Batch tune %d -> %d impact: throughput %.0f -> %.0f H/s (%+.1f%%)",
			t.pendingOldSize, t.pendingNewSize, t.pendingBefore, after, delta)
	}
	t.pendingAt = time.Time{}
}

// clamp bounds the batch size by the configured limits scaled to the
// current worker budget
func (t *batchTuner) clamp(size int) int {
	workers := int(t.m.workerBudget.Load())
	lo := t.m.cfg.Tuning.MinBatchSize
	if w := workers * 20; w > lo {
		lo = w
	}
	hi := t.m.cfg.Tuning.MaxBatchSize
	if w := workers * 1000; w < hi {
		hi = w
	}
	if hi < lo {
		hi = lo
	}
	if size < lo {
		return lo
	}
	if size > hi {
		return hi
	}
	return size
}

// Worker-count tuning thresholds
const (
	workerSampleWindow = 100
	cpuSaturation      = 95.0
	suggestThreshold   = 0.15
)

// workerTuner samples hash rate and CPU usage tagged by worker count
// and periodically surfaces a suggested count. It never applies the
// suggestion itself.
type workerTuner struct {
	m *Miner

	mu      sync.Mutex
	samples []WorkerSample

	optimizing sync.Mutex

	suggested int
}

func newWorkerTuner(m *Miner) *workerTuner {
	return &workerTuner{m: m}
}

// Suggested returns the last surfaced worker-count suggestion, zero
// when none stands
func (t *workerTuner) Suggested() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suggested
}

func (t *workerTuner) run(ctx context.Context) {
	sample := time.NewTicker(t.m.cfg.Tuning.WorkerSample)
	evaluate := time.NewTicker(t.m.cfg.Tuning.WorkerEvaluate)
	defer sample.Stop()
	defer evaluate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			if t.m.mining.Load() {
				t.sample()
			}
		case <-evaluate.C:
			if !t.m.mining.Load() {
				continue
			}
			if !t.optimizing.TryLock() {
				continue
			}
			t.evaluate()
			t.optimizing.Unlock()
		}
	}
}

func (t *workerTuner) sample() {
	usage := cpuUsagePercent()
	s := WorkerSample{
		Workers:   int(t.m.workerBudget.Load()),
		HashRate:  t.m.workers.TotalHashRate(),
		CPUUsage:  usage,
		Timestamp: time.Now(),
	}
	t.mu.Lock()
	t.samples = append(t.samples, s)
	if len(t.samples) > workerSampleWindow {
		t.samples = t.samples[len(t.samples)-workerSampleWindow:]
	}
	t.mu.Unlock()
}

// evaluate scores each observed worker count and surfaces the best
// one when it is meaningfully different from the current budget
func (t *workerTuner) evaluate() {
	t.mu.Lock()
	samples := append([]WorkerSample(nil), t.samples...)
	t.mu.Unlock()
	if len(samples) == 0 {
		return
	}

	type bucket struct {
		hashRate float64
		cpu      float64
		n        int
	}
	buckets := make(map[int]*bucket)
	for _, s := range samples {
		b, ok := buckets[s.Workers]
		if !ok {
			b = &bucket{}
			buckets[s.Workers] = b
		}
		b.hashRate += s.HashRate
		b.cpu += s.CPUUsage
		b.n++
	}

	ceiling := runtime.NumCPU()
	best, bestScore := 0, 0.0
	for workers, b := range buckets {
		if workers <= 0 || b.n == 0 {
			continue
		}
		hashRate := b.hashRate / float64(b.n)
		cpuPct := b.cpu / float64(b.n)
		if cpuPct < 1 {
			cpuPct = 1
		}
		score := hashRate / (cpuPct / 100.0 * float64(workers))
		if cpuPct > cpuSaturation {
			score *= 0.5
		}
		// prefer counts near the hardware thread ceiling
		distance := math.Abs(float64(workers-ceiling)) / float64(ceiling)
		score *= 1 - 0.2*math.Min(distance, 1)
		if score > bestScore {
			best, bestScore = workers, score
		}
	}
	if best == 0 {
		return
	}

	current := int(t.m.workerBudget.Load())
	diff := math.Abs(float64(best-current)) / float64(current)
	t.mu.Lock()
	if diff > suggestThreshold {
		t.suggested = best
	} else {
		t.suggested = 0
	}
	suggested := t.suggested
	t.mu.Unlock()

	if suggested != 0 {
		util.Infof("Worker tuner suggests %d workers (current %d)", suggested, current)
		t.m.events.Publish(Event{
			Type:    EventMetrics,
			Message: "worker count suggestion",
			Fields: map[string]interface{}{
				"current":   current,
				"suggested": suggested,
			},
		})
	}
}

// cpuUsagePercent returns system-wide CPU utilization since the last
// call; zero on platforms where sampling fails.
func cpuUsagePercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
