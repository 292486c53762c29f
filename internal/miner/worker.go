package miner

import (
	"context"
	"errors"
	"time"

	"github.com/tos-network/tos-miner/internal/engine"
	"github.com/tos-network/tos-miner/internal/util"
)

const (
	// pausePollDelay is how long a worker sleeps while its address
	// is paused pending a sibling's submission
	pausePollDelay = 250 * time.Millisecond

	// engineRetryDelay paces a worker when the engine rejects a
	// batch (not ready or work discarded)
	engineRetryDelay = time.Second

	// progressEveryBatches throttles progress events
	progressEveryBatches = 16
)

// runWorker mines one address until it is solved, exhausted, paused
// out, or superseded. Each iteration re-checks the exit conditions,
// hashes one batch from the worker's private nonce range, and scans
// the results against the difficulty predicate.
func (m *Miner) runWorker(ctx context.Context, ch *Challenge, address string, id int) {
	key := SubKey{Address: address, ChallengeID: ch.ID}
	var pausedSince time.Time
	batches := 0

	for {
		if ctx.Err() != nil || !m.mining.Load() {
			return
		}
		cur := m.currentChallenge()
		if cur == nil || cur.ID != ch.ID {
			return
		}
		if m.state.FailureCount(key) >= m.cfg.Miner.MaxSubmitFails {
			return
		}
		if m.state.IsSolved(address, ch.ID) {
			m.workers.SetStatus(id, WorkerCompleted)
			return
		}
		if m.state.IsPaused(key) {
			if pausedSince.IsZero() {
				pausedSince = time.Now()
			} else if time.Since(pausedSince) > m.cfg.Miner.PauseWaitTimeout {
				// stuck pause state; force-clear rather than
				// stalling the whole address forever
				util.Warnf("Worker %d: pause for %s stuck beyond %s, clearing",
					id, address, m.cfg.Miner.PauseWaitTimeout)
				m.state.ReleaseClaim(key, false)
				pausedSince = time.Time{}
			}
			sleepCtx(ctx, pausePollDelay)
			continue
		}
		pausedSince = time.Time{}

		batchSize := int(m.batchSize.Load())
		nonces, preimages := m.buildBatch(cur, address, id, batchSize)

		start := time.Now()
		hashes, err := m.engine.HashBatch(ctx, preimages)
		elapsed := time.Since(start)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, engine.ErrStopped) && !errors.Is(err, engine.ErrNotReady) {
				util.Warnf("Worker %d: batch failed: %v", id, err)
			}
			sleepCtx(ctx, engineRetryDelay)
			continue
		}

		m.workers.RecordBatch(id, len(preimages), elapsed)
		m.totalHashes.Add(uint64(len(preimages)))
		m.batchTuner.record(len(preimages), elapsed)

		batches++
		if batches%progressEveryBatches == 0 {
			m.events.Publish(Event{
				Type:    EventProgress,
				Message: "mining",
				Fields: map[string]interface{}{
					"worker":  id,
					"address": address,
					"hashes":  len(preimages) * batches,
				},
			})
		}

		for i, hash := range hashes {
			if !util.HexHashMeetsMask(hash, cur.ZeroBits) {
				continue
			}
			if m.state.HashSeen(hash) {
				continue
			}
			util.Infof("Worker %d: qualifying hash for %s on challenge %s", id, address, cur.ID)

			m.workers.SetStatus(id, WorkerSubmitting)
			outcome := m.submitSolution(ctx, cur, address, nonces[i], hash)
			switch outcome {
			case submitAccepted:
				m.workers.SetStatus(id, WorkerCompleted)
				return
			case submitOwnedElsewhere, submitExhausted:
				return
			case submitDiscarded, submitFailed:
				// resume mining new nonces
				m.workers.SetStatus(id, WorkerMining)
			}
			break
		}
	}
}

// buildBatch generates the next batchSize nonces from the worker's
// private wrapping range and their preimages under the current
// challenge fields.
func (m *Miner) buildBatch(ch *Challenge, address string, id int, batchSize int) ([]string, []string) {
	base := uint64(id) * NonceRangeSize
	cursor := m.workers.Cursor(id)

	nonces := make([]string, batchSize)
	preimages := make([]string, batchSize)
	for i := 0; i < batchSize; i++ {
		offset := (cursor + uint64(i)) % NonceRangeSize
		nonce := util.EncodeNonce(base + offset)
		nonces[i] = nonce
		preimages[i] = ch.preimage(nonce, address)
	}
	return nonces, preimages
}
