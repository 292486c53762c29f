package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

// pollLoop fetches challenge state on a fixed interval. Polls run
// sequentially on this goroutine; when one outlasts the interval the
// ticker drops the missed ticks. Poll errors are logged and the loop
// always reschedules.
func (m *Miner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Challenge.PollInterval)
	defer ticker.Stop()

	// first poll immediately so startup does not wait a full interval
	m.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Miner) pollOnce(ctx context.Context) {
	resp, err := m.client.GetChallenge(ctx)
	if err != nil {
		util.Warnf("Challenge poll failed: %v", err)
		m.events.publishError("challenge poll failed", map[string]interface{}{"error": err.Error()})
		return
	}

	switch resp.Code {
	case rpc.CodeBefore:
		util.Debugf("Challenge period not started (starts at %s)", resp.StartsAt)

	case rpc.CodeAfter:
		if m.mining.Load() {
			util.Infof("Challenge period ended, stopping mining")
			m.stopMiningLoop("challenge period ended")
		}

	case rpc.CodeActive:
		if resp.Challenge == nil {
			util.Warnf("Active challenge response missing challenge payload")
			return
		}
		if err := m.installChallenge(ctx, resp.Challenge); err != nil {
			util.Errorf("Challenge install failed: %v", err)
			m.events.publishError("challenge install failed", map[string]interface{}{"error": err.Error()})
		}

	default:
		util.Warnf("Unknown challenge code %q", resp.Code)
	}
}

// installChallenge handles both transitions: a new challenge id tears
// mining down and rebuilds it around a fresh ROM; a mutable-field
// update on the same id is applied in place.
func (m *Miner) installChallenge(ctx context.Context, data *rpc.ChallengeData) error {
	cur := m.currentChallenge()

	if cur != nil && cur.ID == data.ID {
		if cur.mutableFieldsEqual(data) {
			return nil
		}
		return m.updateChallengeFields(cur, data)
	}

	util.Infof("New challenge %s (difficulty %s)", data.ID, data.Difficulty)
	m.stopMiningLoop("challenge changed")
	m.state.ClearChallengeState()
	m.workers.Reset()
	m.tracker.Invalidate()
	m.health.ResetBaseline()

	if err := m.engine.InitRom(ctx, data.NoPreMine); err != nil {
		return fmt.Errorf("rom init: %w", err)
	}
	if err := m.waitEngineReady(ctx); err != nil {
		// fatal for this cycle; the next poll retries the install
		m.chMu.Lock()
		m.challenge = nil
		m.chMu.Unlock()
		return fmt.Errorf("rom readiness: %w", err)
	}

	m.chMu.Lock()
	m.challenge = newChallenge(data)
	m.chMu.Unlock()

	m.events.Publish(Event{
		Type:    EventStatus,
		Message: "challenge installed",
		Fields:  map[string]interface{}{"challenge_id": data.ID, "difficulty": data.Difficulty},
	})
	m.telemetry.RecordChallengeChange(data.ID, data.Difficulty)
	m.startMiningLoop()
	return nil
}

// updateChallengeFields swaps mutable fields under the same id.
// Difficulty changes invalidate the hash-rate baseline since the
// predicate cost shifts.
func (m *Miner) updateChallengeFields(cur *Challenge, data *rpc.ChallengeData) error {
	difficultyChanged := cur.Difficulty != data.Difficulty

	m.chMu.Lock()
	m.challenge = newChallenge(data)
	m.chMu.Unlock()

	util.Infof("Challenge %s fields updated (difficulty %s -> %s, latest submission %s)",
		data.ID, cur.Difficulty, data.Difficulty, data.LatestSubmission)

	if difficultyChanged {
		util.Infof("Difficulty changed, hash-rate baseline invalidated")
		m.health.ResetBaseline()
	}
	if m.cfg.Challenge.ClearStateOnUpdate {
		// lets stalled addresses retry immediately under the new
		// fields at the cost of re-doing some failed submissions
		m.state.ClearChallengeState()
	}
	return nil
}
