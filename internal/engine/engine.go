// Package engine defines the hash-engine boundary used by the mining
// orchestrator and a blake3-backed local implementation.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/tos-network/tos-miner/internal/util"
)

// Engine is the narrow async batch-hash interface the orchestrator
// consumes. Implementations must be safe for concurrent batch
// submissions from many workers.
type Engine interface {
	// HashBatch hashes every preimage and returns hex digests in the
	// same order.
	HashBatch(ctx context.Context, preimages []string) ([]string, error)

	// InitRom kicks off (re)building the per-challenge ROM from the
	// given seed. It returns immediately; readiness is observed via
	// IsReady.
	InitRom(ctx context.Context, seed string) error

	// IsReady reports whether the ROM for the last InitRom seed is
	// built.
	IsReady() bool

	// KillWorkers discards all in-flight work. Batches dispatched
	// before the call fail with ErrStopped.
	KillWorkers()
}

// ErrNotReady is returned when a batch is dispatched before the ROM
// for the current challenge finished building.
var ErrNotReady = errors.New("engine: rom not initialized")

// ErrStopped is returned for batches that were in flight when
// KillWorkers discarded the current generation.
var ErrStopped = errors.New("engine: work discarded")

const (
	// RomWords is the ROM size in 64-bit words (512KB)
	RomWords = 65536

	// mixRounds is the number of ROM-sampling rounds per preimage
	mixRounds = 8

	// mixConstant is the mixing multiplier
	mixConstant = 0x517cc1b727220a95
)

// LocalEngine is an in-process Engine backed by blake3 with a
// seed-derived ROM. ROM builds run on a background goroutine so
// InitRom never blocks the poller.
type LocalEngine struct {
	mu    sync.RWMutex
	rom   []uint64
	seed  string
	ready atomic.Bool

	// generation invalidates in-flight batches on KillWorkers
	generation atomic.Uint64
}

// NewLocalEngine creates an engine with no ROM loaded.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{}
}

// InitRom rebuilds the ROM for a new seed. A second call with the
// same seed while ready is a no-op.
func (e *LocalEngine) InitRom(ctx context.Context, seed string) error {
	e.mu.Lock()
	if e.seed == seed && e.ready.Load() {
		e.mu.Unlock()
		return nil
	}
	e.seed = seed
	e.mu.Unlock()

	e.ready.Store(false)
	e.generation.Add(1)

	go func() {
		rom := buildRom(seed)

		e.mu.Lock()
		// A newer InitRom may have superseded this build
		if e.seed != seed {
			e.mu.Unlock()
			return
		}
		e.rom = rom
		e.mu.Unlock()

		e.ready.Store(true)
		util.Debugf("Engine ROM ready (%d words)", len(rom))
	}()

	return nil
}

// IsReady reports whether the current ROM is built.
func (e *LocalEngine) IsReady() bool {
	return e.ready.Load()
}

// KillWorkers invalidates all in-flight batches.
func (e *LocalEngine) KillWorkers() {
	e.generation.Add(1)
}

// HashBatch hashes the preimages against the current ROM.
func (e *LocalEngine) HashBatch(ctx context.Context, preimages []string) ([]string, error) {
	if !e.ready.Load() {
		return nil, ErrNotReady
	}

	e.mu.RLock()
	rom := e.rom
	e.mu.RUnlock()

	gen := e.generation.Load()
	hashes := make([]string, len(preimages))
	for i, preimage := range preimages {
		// Cooperative cancellation checkpoints
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if e.generation.Load() != gen {
				return nil, ErrStopped
			}
		}
		hashes[i] = util.BytesToHex(hashOne(rom, preimage))
	}

	if e.generation.Load() != gen {
		return nil, ErrStopped
	}
	return hashes, nil
}

// buildRom expands a seed into the ROM table using blake3 in counter
// mode.
func buildRom(seed string) []uint64 {
	hasher := blake3.New()
	hasher.Write([]byte(seed))
	digest := hasher.Sum(nil)

	rom := make([]uint64, RomWords)
	for i := 0; i < RomWords; i += 4 {
		h := blake3.New()

		var counter [8]byte
		binary.LittleEndian.PutUint64(counter[:], uint64(i/4))

		h.Write(digest)
		h.Write(counter[:])
		block := h.Sum(nil)

		// Each blake3 output yields 4 uint64 values
		for j := 0; j < 4 && i+j < RomWords; j++ {
			rom[i+j] = binary.LittleEndian.Uint64(block[j*8 : (j+1)*8])
		}
	}

	return rom
}

// hashOne computes the ROM-mixed digest of one preimage.
func hashOne(rom []uint64, preimage string) []byte {
	hasher := blake3.New()
	hasher.Write([]byte(preimage))
	inner := hasher.Sum(nil)

	// Sample the ROM at positions driven by the inner digest
	state := binary.LittleEndian.Uint64(inner[:8])
	var mixed [4]uint64
	for i := range mixed {
		mixed[i] = binary.LittleEndian.Uint64(inner[i*8 : (i+1)*8])
	}

	for round := 0; round < mixRounds; round++ {
		idx := state % RomWords
		word := rom[idx]
		mixed[round%4] ^= mixFunction(word, state)
		state = state*mixConstant + word
	}

	final := blake3.New()
	final.Write(inner)
	for i := range mixed {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], mixed[i])
		final.Write(buf[:])
	}
	return final.Sum(nil)
}

// mixFunction is the core mixing operation
func mixFunction(a, b uint64) uint64 {
	rotated := rotateRight(a, 17) ^ b
	mixed := rotated * mixConstant
	return rotateRight(mixed, 23)
}

// rotateRight performs a 64-bit right rotation
func rotateRight(x uint64, k uint) uint64 {
	return (x >> k) | (x << (64 - k))
}
