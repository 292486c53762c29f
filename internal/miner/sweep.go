package miner

import (
	"context"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

const (
	sweepInterval = 2 * time.Minute

	// a worker stuck in submitting this long gets flipped back
	stuckSubmitAge = 5 * time.Minute
)

// sweepLoop is pure maintenance: it repairs bookkeeping drift but
// never makes decisions that change mining correctness.
func (m *Miner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.mining.Load() {
				m.sweep(time.Now())
			}
		}
	}
}

func (m *Miner) sweep(now time.Time) {
	issues := 0

	if ch := m.currentChallenge(); ch != nil {
		if evicted := m.state.EvictStale(ch.ID); evicted > 0 {
			util.Infof("Sweep: evicted %d entries keyed to stale challenges", evicted)
			issues += evicted
		}
	}

	if reset := m.workers.ResetStuckSubmitting(stuckSubmitAge, now); reset > 0 {
		util.Warnf("Sweep: reset %d workers stuck in submitting", reset)
		issues += reset
	}

	if dropped := m.workers.DropOrphans(int(m.workerBudget.Load())); dropped > 0 {
		util.Infof("Sweep: dropped %d orphan worker records", dropped)
		issues += dropped
	}

	if trimmed := m.state.TrimSubmitted(); trimmed > 0 {
		util.Infof("Sweep: trimmed %d submitted-hash entries", trimmed)
		issues += trimmed
	}

	if m.tracker.InvalidateIfStale(now) {
		issues++
	}

	m.telemetry.UpdateMinerMetrics(
		m.workers.TotalHashRate(),
		int(m.workerBudget.Load()),
		m.workers.ActiveCount(now),
		int(m.batchSize.Load()),
	)

	if issues > 0 {
		m.events.Publish(Event{
			Type:    EventMetrics,
			Message: "stability sweep",
			Fields:  map[string]interface{}{"repairs": issues},
		})
	} else {
		util.Debugf("Sweep: clean")
	}
}
