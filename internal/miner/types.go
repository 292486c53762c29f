// Package miner implements the mining orchestration engine: challenge
// polling, worker coordination, adaptive tuning, submission
// arbitration, and health-driven recovery.
package miner

import (
	"time"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

// NonceRangeSize is the fixed per-worker nonce range. Worker i owns
// [i*NonceRangeSize, (i+1)*NonceRangeSize) and wraps within it.
const NonceRangeSize uint64 = 1 << 40

// Challenge is the tracked proof-of-work target. A new id supersedes
// the struct; mutable fields are updated in place while the id holds.
type Challenge struct {
	ID               string
	Difficulty       string
	NoPreMine        string
	LatestSubmission string
	NoPreMineHour    string

	// ZeroBits is derived from Difficulty once per install
	ZeroBits int
}

// newChallenge builds a Challenge from the server payload
func newChallenge(data *rpc.ChallengeData) *Challenge {
	return &Challenge{
		ID:               data.ID,
		Difficulty:       data.Difficulty,
		NoPreMine:        data.NoPreMine,
		LatestSubmission: data.LatestSubmission,
		NoPreMineHour:    data.NoPreMineHour,
		ZeroBits:         util.RequiredZeroBits(data.Difficulty),
	}
}

// preimage builds the submission preimage for a nonce/address pair
// under this challenge's current fields.
func (c *Challenge) preimage(nonce, address string) string {
	return util.BuildPreimage(nonce, address, c.ID, c.Difficulty, c.NoPreMine, c.LatestSubmission, c.NoPreMineHour)
}

// mutableFieldsEqual reports whether the in-place-updatable fields
// match the server payload.
func (c *Challenge) mutableFieldsEqual(data *rpc.ChallengeData) bool {
	return c.Difficulty == data.Difficulty &&
		c.LatestSubmission == data.LatestSubmission &&
		c.NoPreMineHour == data.NoPreMineHour
}

// Address is a derivable wallet address eligible to mine
type Address struct {
	Index      int
	Address    string
	PublicKey  string
	Registered bool
}

// SubKey is the composite identity for failure/pause/submitting
// tracking: one unit of work is one (address, challenge) pair.
type SubKey struct {
	Address     string
	ChallengeID string
}

// WorkerStatus is the lifecycle state of one logical worker slot
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerMining     WorkerStatus = "mining"
	WorkerSubmitting WorkerStatus = "submitting"
	WorkerCompleted  WorkerStatus = "completed"
)

// WorkerState is the runtime status of one worker slot. Slots are
// reused across addresses and never freed while the pool runs.
type WorkerState struct {
	ID             int
	Address        string
	Status         WorkerStatus
	HashesComputed uint64
	HashRate       float64
	LastUpdate     time.Time

	// nonce counter within this worker's private range
	nonceCursor uint64
}

// BatchSample is one observation for the batch-size tuner
type BatchSample struct {
	BatchSize    int
	ProcessingMs float64
	Throughput   float64
	Timestamp    time.Time
}

// WorkerSample is one observation for the worker-count tuner
type WorkerSample struct {
	Workers   int
	HashRate  float64
	CPUUsage  float64
	Timestamp time.Time
}

// TuningSignature identifies the configuration a baseline was
// measured under; a changed signature invalidates the baseline.
type TuningSignature struct {
	Workers   int
	BatchSize int
}

// Stats is the externally visible snapshot of the mining session
type Stats struct {
	Mining            bool    `json:"mining"`
	ChallengeID       string  `json:"challenge_id"`
	Difficulty        string  `json:"difficulty"`
	Workers           int     `json:"workers"`
	BatchSize         int     `json:"batch_size"`
	ActiveWorkers     int     `json:"active_workers"`
	HashRate          float64 `json:"hash_rate"`
	BaselineHashRate  float64 `json:"baseline_hash_rate"`
	TotalHashes       uint64  `json:"total_hashes"`
	AddressCount      int     `json:"address_count"`
	RegisteredCount   int     `json:"registered_count"`
	SolutionsAccepted uint64  `json:"solutions_accepted"`
	SubmitErrors      uint64  `json:"submit_errors"`
	Restarts          uint64  `json:"restarts"`
	SuggestedWorkers  int     `json:"suggested_workers,omitempty"`
	StartedAt         int64   `json:"started_at"`
}
