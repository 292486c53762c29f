// Package storage provides Redis-backed persistence for the miner:
// the receipt log, per-address solved sets, and session counters.
package storage

// ReceiptStatus classifies a logged submission outcome
type ReceiptStatus string

const (
	ReceiptAccepted  ReceiptStatus = "accepted"
	ReceiptDuplicate ReceiptStatus = "duplicate"
	ReceiptError     ReceiptStatus = "error"
)

// Receipt is one logged submission outcome. Accepted and duplicate
// receipts are replayed on startup to rebuild solved state.
type Receipt struct {
	Address     string        `json:"address"`
	ChallengeID string        `json:"challenge_id"`
	Nonce       string        `json:"nonce"`
	Hash        string        `json:"hash"`
	Status      ReceiptStatus `json:"status"`
	Message     string        `json:"message,omitempty"`
	Timestamp   int64         `json:"timestamp"`
}

// SessionCounters aggregates persisted lifetime counters
type SessionCounters struct {
	SolutionsAccepted  uint64 `json:"solutions_accepted"`
	SolutionsDuplicate uint64 `json:"solutions_duplicate"`
	SubmitErrors       uint64 `json:"submit_errors"`
	Restarts           uint64 `json:"restarts"`
}
