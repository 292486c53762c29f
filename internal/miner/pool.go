package miner

import (
	"context"
	"sync"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

const (
	// noWorkDelay paces the coordinator when no address is available
	noWorkDelay = 2 * time.Second

	// roundRetryDelay paces the coordinator when assignment failed
	// for every candidate this round
	roundRetryDelay = 500 * time.Millisecond
)

// addressGroup is one address attempt: a contiguous slice of worker
// ids mining the same address
type addressGroup struct {
	address   Address
	workerIDs []int
}

// miningLoop is the coordinator. Each round it selects up to
// AddressParallel available addresses, partitions the worker budget
// into contiguous per-address ranges, and runs the groups. It waits
// for all groups to drain but unblocks as soon as any address is
// solved so the next candidate starts without waiting for stragglers.
func (m *Miner) miningLoop(ctx context.Context) {
	for ctx.Err() == nil && m.mining.Load() {
		ch := m.currentChallenge()
		if ch == nil {
			sleepCtx(ctx, noWorkDelay)
			continue
		}

		now := time.Now()
		available := m.tracker.Available(ch.ID, now)
		if len(available) == 0 {
			sleepCtx(ctx, noWorkDelay)
			continue
		}

		groups := m.partition(available)
		if len(groups) == 0 {
			// every candidate worker slot is still busy from a
			// previous round's stragglers
			sleepCtx(ctx, roundRetryDelay)
			continue
		}

		// group goroutines join sessionWg as well: when the solved
		// branch abandons a round, its stragglers must still hold the
		// stop path until they drain, or stop would clear shared state
		// under a worker that is mid-batch or mid-submission
		solved := make(chan string, len(groups))
		var wg sync.WaitGroup
		for _, g := range groups {
			wg.Add(1)
			m.sessionWg.Add(1)
			go func(g addressGroup) {
				defer m.sessionWg.Done()
				defer wg.Done()
				m.runAddressGroup(ctx, ch, g, solved)
			}(g)
		}

		done := make(chan struct{})
		m.sessionWg.Add(1)
		go func() {
			defer m.sessionWg.Done()
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case addr := <-solved:
			// stragglers keep draining in the background; their
			// worker slots stay busy until they finish
			util.Debugf("Address %s solved, picking next candidate", addr)
		case <-ctx.Done():
			<-done
		}
	}
}

// partition splits the current worker budget into contiguous ranges
// across up to AddressParallel addresses, the last range absorbing
// the remainder. Workers still busy from a previous round are
// skipped, never stolen.
func (m *Miner) partition(available []Address) []addressGroup {
	n := m.cfg.Miner.AddressParallel
	if n > len(available) {
		n = len(available)
	}
	budget := m.effectiveBudget()
	if n > budget {
		n = budget
	}
	if n == 0 {
		return nil
	}

	per := budget / n
	groups := make([]addressGroup, 0, n)
	nextID := 0
	for i := 0; i < n; i++ {
		count := per
		if i == n-1 {
			count = budget - per*(n-1)
		}
		addr := available[i]
		var ids []int
		for j := 0; j < count; j++ {
			id := nextID
			nextID++
			if m.workers.Assign(id, addr.Address, uint64(id)*NonceRangeSize) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			groups = append(groups, addressGroup{address: addr, workerIDs: ids})
		}
	}
	return groups
}

// runAddressGroup runs every worker in the group and joins them all
// before releasing the address slot. On a solved address the retry
// timestamp is already cleared by the arbiter; on an exhausted one
// the cooldown is already scheduled. Either way the workers return
// to idle here.
func (m *Miner) runAddressGroup(ctx context.Context, ch *Challenge, g addressGroup, solved chan<- string) {
	var wg sync.WaitGroup
	for _, id := range g.workerIDs {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.runWorker(ctx, ch, g.address.Address, id)
		}(id)
	}
	wg.Wait()

	for _, id := range g.workerIDs {
		m.workers.Release(id)
	}

	if m.state.IsSolved(g.address.Address, ch.ID) {
		select {
		case solved <- g.address.Address:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
