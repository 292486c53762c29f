package miner

import (
	"context"
	"time"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/util"
)

// submitOutcome tells the calling worker what to do next
type submitOutcome int

const (
	// submitAccepted: the server took the solution (or another
	// instance already had); the address is done for this challenge
	submitAccepted submitOutcome = iota

	// submitOwnedElsewhere: a sibling worker holds the claim
	submitOwnedElsewhere

	// submitDiscarded: the hash no longer qualifies under the
	// current challenge fields; resume mining, no failure counted
	submitDiscarded

	// submitFailed: the submission failed below the failure budget;
	// resume mining
	submitFailed

	// submitExhausted: the failure budget is spent; the address is
	// cooling down and its workers should go idle
	submitExhausted
)

// submitSolution is the arbitration primitive: claim first, verify
// second. The claim atomically takes the submitting flag, pauses
// sibling hashing for the key, and records the hash so no different
// passing hash can race in behind it. The submitting flag is always
// released on the way out.
func (m *Miner) submitSolution(ctx context.Context, captured *Challenge, address, nonce, hash string) submitOutcome {
	key := SubKey{Address: address, ChallengeID: captured.ID}

	if !m.state.TryClaim(key, hash) {
		return submitOwnedElsewhere
	}
	keepPaused := false
	defer func() {
		m.state.ReleaseClaim(key, keepPaused)
	}()

	// the challenge may have moved since the hash was computed
	cur := m.currentChallenge()
	if cur == nil || cur.ID != captured.ID {
		return submitDiscarded
	}
	if cur.Difficulty != captured.Difficulty ||
		cur.LatestSubmission != captured.LatestSubmission ||
		cur.NoPreMineHour != captured.NoPreMineHour {
		verified, ok := m.revalidate(ctx, cur, captured, address, nonce, hash)
		if !ok {
			util.Infof("Solution for %s invalidated by challenge field update, resuming", address)
			return submitDiscarded
		}
		hash = verified
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.Miner.SubmitTimeout)
	err := m.client.SubmitSolution(sctx, address, captured.ID, nonce)
	cancel()

	if err == nil || rpc.IsDuplicate(err) {
		duplicate := err != nil
		m.recordAccepted(address, captured.ID, nonce, hash, duplicate)
		// siblings observe solved state and exit; pause stays up
		// until then so none of them wastes a batch
		keepPaused = true
		return submitAccepted
	}

	m.submitErrors.Add(1)
	m.writeReceipt(&storage.Receipt{
		Address:     address,
		ChallengeID: captured.ID,
		Nonce:       nonce,
		Hash:        hash,
		Status:      storage.ReceiptError,
		Message:     err.Error(),
		Timestamp:   time.Now().Unix(),
	})

	fails := m.state.Fail(key)
	util.Warnf("Submission failed for %s (attempt %d/%d): %v", address, fails, m.cfg.Miner.MaxSubmitFails, err)
	m.telemetry.RecordSubmissionFailure(address, captured.ID, fails)
	m.events.publishError("submission failed", map[string]interface{}{
		"address":  address,
		"attempts": fails,
		"error":    err.Error(),
	})

	if fails >= m.cfg.Miner.MaxSubmitFails {
		until := time.Now().Add(m.cfg.Miner.AddressCooldown)
		m.state.SetCooldown(address, until)
		util.Warnf("Address %s exhausted its failure budget, cooling down until %s",
			address, until.Format(time.RFC3339))
		return submitExhausted
	}
	return submitFailed
}

// revalidate re-derives the hash under the current challenge fields.
// A difficulty-only change still reruns the full preimage because
// difficulty is part of it. Engine trouble during revalidation counts
// as a discard, not a failure.
func (m *Miner) revalidate(ctx context.Context, cur, captured *Challenge, address, nonce, hash string) (string, bool) {
	if cur.Difficulty == captured.Difficulty &&
		cur.LatestSubmission == captured.LatestSubmission &&
		cur.NoPreMineHour == captured.NoPreMineHour {
		return hash, util.HexHashMeetsMask(hash, cur.ZeroBits)
	}

	rehashed, err := m.engine.HashBatch(ctx, []string{cur.preimage(nonce, address)})
	if err != nil || len(rehashed) != 1 {
		return "", false
	}
	if !util.HexHashMeetsMask(rehashed[0], cur.ZeroBits) {
		return "", false
	}
	return rehashed[0], true
}

// recordAccepted marks the address solved, persists the receipt, and
// fans out notifications
func (m *Miner) recordAccepted(address, challengeID, nonce, hash string, duplicate bool) {
	m.state.MarkSolved(address, challengeID)
	m.solutionsAccepted.Add(1)

	status := storage.ReceiptAccepted
	message := ""
	if duplicate {
		status = storage.ReceiptDuplicate
		message = "already solved by another instance"
		util.Infof("Solution for %s already submitted elsewhere, treating as solved", address)
	} else {
		util.Infof("Solution accepted for %s on challenge %s", address, challengeID)
	}

	m.writeReceipt(&storage.Receipt{
		Address:     address,
		ChallengeID: challengeID,
		Nonce:       nonce,
		Hash:        hash,
		Status:      status,
		Message:     message,
		Timestamp:   time.Now().Unix(),
	})

	m.events.Publish(Event{
		Type:    EventStatus,
		Message: "solution accepted",
		Fields: map[string]interface{}{
			"address":      address,
			"challenge_id": challengeID,
			"duplicate":    duplicate,
		},
	})
	m.telemetry.RecordSolution(address, challengeID, !duplicate)
	if !duplicate {
		m.notifier.NotifySolutionAccepted(address, challengeID, hash)
	}
}

func (m *Miner) writeReceipt(rec *storage.Receipt) {
	var err error
	if rec.Status == storage.ReceiptError {
		err = m.redis.WriteError(rec)
	} else {
		err = m.redis.WriteReceipt(rec)
	}
	if err != nil {
		util.Warnf("Receipt write failed: %v", err)
	}
}
