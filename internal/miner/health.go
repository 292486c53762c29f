package miner

import (
	"context"
	"sync"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

const (
	// dropFraction is how far below the active threshold counts as
	// degraded
	dropFraction = 0.5

	// rollingWindow is the fallback threshold horizon when no valid
	// baseline exists
	rollingWindow = 10 * time.Minute

	// hourlyRestartInterval bounds long-run state drift
	hourlyRestartInterval = time.Hour

	// no-active-workers failsafe
	failsafeGrace       = 2 * time.Minute
	failsafeMaxAttempts = 3
	failsafeWindow      = 30 * time.Minute
	failsafeQuiet       = 30 * time.Minute
)

type rateSample struct {
	rate float64
	at   time.Time
}

// healthMonitor watches the system hash rate and recovers from
// degradation. Three independent detectors share one restart path:
// relative drop against a baseline, an absolute emergency floor, and
// a near-zero floor. A fourth failsafe watches for zero active
// workers and performs a lighter recovery.
type healthMonitor struct {
	m *Miner

	mu sync.Mutex

	baseline    float64
	baselineSig TuningSignature

	collecting     bool
	collectStart   time.Time
	collectSamples []float64

	rolling []rateSample

	belowSince     time.Time
	emergencySince time.Time
	nearZeroSince  time.Time
	lastRestart    time.Time

	noWorkersSince   time.Time
	failsafeAttempts []time.Time
	failsafeOffUntil time.Time
}

func newHealthMonitor(m *Miner) *healthMonitor {
	return &healthMonitor{m: m}
}

// Baseline returns the captured baseline hash rate, zero while none
// is valid
func (h *healthMonitor) Baseline() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.baselineSig != h.currentSignature() {
		return 0
	}
	return h.baseline
}

// ResetBaseline discards the baseline and all detector state so a
// fresh baseline is collected. Called after restarts and on
// challenge or difficulty changes.
func (h *healthMonitor) ResetBaseline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.baseline = 0
	h.collecting = false
	h.collectSamples = nil
	h.rolling = nil
	h.belowSince = time.Time{}
	h.emergencySince = time.Time{}
	h.nearZeroSince = time.Time{}
}

func (h *healthMonitor) currentSignature() TuningSignature {
	return TuningSignature{
		Workers:   int(h.m.workerBudget.Load()),
		BatchSize: int(h.m.batchSize.Load()),
	}
}

func (h *healthMonitor) run(ctx context.Context) {
	sample := time.NewTicker(h.m.cfg.Health.SampleInterval)
	defer sample.Stop()

	var hourly *time.Ticker
	var hourlyC <-chan time.Time
	if h.m.cfg.Health.HourlyRestart {
		hourly = time.NewTicker(hourlyRestartInterval)
		hourlyC = hourly.C
		defer hourly.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			h.tick(time.Now())
		case <-hourlyC:
			if h.m.mining.Load() {
				h.m.lightRestart()
			}
		}
	}
}

// tick runs every detector against one hash-rate observation
func (h *healthMonitor) tick(now time.Time) {
	if !h.m.mining.Load() {
		h.mu.Lock()
		h.belowSince = time.Time{}
		h.emergencySince = time.Time{}
		h.nearZeroSince = time.Time{}
		h.noWorkersSince = time.Time{}
		h.mu.Unlock()
		return
	}

	rate := h.m.workers.TotalHashRate()
	restartReason := ""

	h.mu.Lock()
	h.observe(rate, now)
	threshold, haveThreshold := h.activeThreshold(now)

	if haveThreshold && rate < threshold*dropFraction {
		if h.belowSince.IsZero() {
			h.belowSince = now
			util.Warnf("Hash rate %.0f H/s below %.0f H/s threshold", rate, threshold*dropFraction)
		} else if now.Sub(h.belowSince) >= h.m.cfg.Health.DropGrace {
			restartReason = "hash rate degraded below baseline"
		}
	} else {
		h.belowSince = time.Time{}
	}

	// absolute floors are tracked independently of the baseline and
	// of each other
	if rate < h.m.cfg.Health.EmergencyFloor {
		if h.emergencySince.IsZero() {
			h.emergencySince = now
		} else if now.Sub(h.emergencySince) >= h.m.cfg.Health.DropGrace && restartReason == "" {
			restartReason = "hash rate below emergency floor"
		}
	} else {
		h.emergencySince = time.Time{}
	}
	if rate < h.m.cfg.Health.NearZeroFloor {
		if h.nearZeroSince.IsZero() {
			h.nearZeroSince = now
		} else if now.Sub(h.nearZeroSince) >= h.m.cfg.Health.DropGrace && restartReason == "" {
			restartReason = "hash rate near zero"
		}
	} else {
		h.nearZeroSince = time.Time{}
	}

	if restartReason != "" && now.Sub(h.lastRestart) < h.m.cfg.Health.RestartCooldown {
		restartReason = ""
	}
	if restartReason != "" {
		h.lastRestart = now
		h.belowSince = time.Time{}
		h.emergencySince = time.Time{}
		h.nearZeroSince = time.Time{}
	}
	h.mu.Unlock()

	if restartReason != "" {
		h.m.fullRestart(restartReason)
		return
	}

	h.checkNoActiveWorkers(now)
}

// observe feeds baseline collection and the rolling average.
// Requires h.mu.
func (h *healthMonitor) observe(rate float64, now time.Time) {
	h.rolling = append(h.rolling, rateSample{rate: rate, at: now})
	cutoff := now.Add(-rollingWindow)
	for len(h.rolling) > 0 && h.rolling[0].at.Before(cutoff) {
		h.rolling = h.rolling[1:]
	}

	sig := h.currentSignature()

	if h.collecting {
		if sig != h.baselineSig {
			// tuning moved under us; start over under the new
			// signature
			h.baselineSig = sig
			h.collectStart = now
			h.collectSamples = nil
		}
		h.collectSamples = append(h.collectSamples, rate)
		if now.Sub(h.collectStart) >= h.m.cfg.Health.BaselineWindow {
			var sum float64
			for _, r := range h.collectSamples {
				sum += r
			}
			h.baseline = sum / float64(len(h.collectSamples))
			h.collecting = false
			h.collectSamples = nil
			util.Infof("Hash-rate baseline captured: %.0f H/s (%d workers, batch %d)",
				h.baseline, sig.Workers, sig.BatchSize)
		}
		return
	}

	if h.baseline == 0 && h.m.tracker.AllRegistered() {
		h.collecting = true
		h.baselineSig = sig
		h.collectStart = now
		h.collectSamples = []float64{rate}
		util.Infof("Collecting hash-rate baseline over %s", h.m.cfg.Health.BaselineWindow)
	}
}

// activeThreshold picks the comparison rate: the baseline while its
// signature still matches, otherwise the rolling average. Requires
// h.mu.
func (h *healthMonitor) activeThreshold(now time.Time) (float64, bool) {
	if h.baseline > 0 && h.baselineSig == h.currentSignature() {
		return h.baseline, true
	}
	if len(h.rolling) < 4 {
		return 0, false
	}
	var sum float64
	for _, s := range h.rolling {
		sum += s.rate
	}
	return sum / float64(len(h.rolling)), true
}

// checkNoActiveWorkers performs the lighter recovery when no worker
// has reported mining or submitting recently. Attempts are capped in
// a rolling window; past the cap, automatic recovery disables itself
// until a quiet period passes.
func (h *healthMonitor) checkNoActiveWorkers(now time.Time) {
	active := h.m.workers.ActiveCount(now)

	h.mu.Lock()
	if active > 0 {
		h.noWorkersSince = time.Time{}
		h.mu.Unlock()
		return
	}
	if now.Before(h.failsafeOffUntil) {
		h.mu.Unlock()
		return
	}
	if h.noWorkersSince.IsZero() {
		h.noWorkersSince = now
		h.mu.Unlock()
		return
	}
	if now.Sub(h.noWorkersSince) < failsafeGrace {
		h.mu.Unlock()
		return
	}

	cutoff := now.Add(-failsafeWindow)
	kept := h.failsafeAttempts[:0]
	for _, at := range h.failsafeAttempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	h.failsafeAttempts = kept

	if len(h.failsafeAttempts) >= failsafeMaxAttempts {
		h.failsafeOffUntil = now.Add(failsafeQuiet)
		h.failsafeAttempts = nil
		util.Errorf("No-active-workers failsafe exhausted %d attempts, disabled until %s",
			failsafeMaxAttempts, h.failsafeOffUntil.Format(time.RFC3339))
		h.m.events.publishError("worker failsafe disabled after repeated attempts", nil)
		h.mu.Unlock()
		return
	}
	h.failsafeAttempts = append(h.failsafeAttempts, now)
	h.noWorkersSince = time.Time{}
	h.mu.Unlock()

	util.Warnf("No active workers for %s, clearing blocking state", failsafeGrace)
	h.m.events.publishError("no active workers, recovering", nil)
	h.m.state.ClearBlockingState()
	h.m.workers.Reset()
}
