package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

// registerAddresses registers every unregistered address in small
// parallel batches, then runs one best-effort retry pass over the
// stragglers. The worker budget stays reduced for the whole run so
// registration traffic and mining do not fight for the CPU.
func (m *Miner) registerAddresses(ctx context.Context) {
	pending := m.tracker.Unregistered()
	if len(pending) == 0 {
		return
	}

	m.registering.Store(true)
	defer m.registering.Store(false)

	util.Infof("Registering %d addresses", len(pending))
	m.events.publishStatus("registration started")

	terms, err := m.fetchTerms(ctx)
	if err != nil {
		// only context cancellation ends the retry loop
		return
	}

	failed := m.registerPass(ctx, pending, terms)
	if len(failed) > 0 && ctx.Err() == nil {
		util.Infof("Retrying %d addresses that failed the first pass", len(failed))
		failed = m.registerPass(ctx, failed, terms)
	}

	total, registered := m.tracker.Counts()
	if len(failed) > 0 {
		util.Warnf("Registration finished with %d addresses still unregistered", len(failed))
	} else {
		util.Infof("Registration complete: %d/%d addresses", registered, total)
	}
	m.tracker.Invalidate()
	m.notifier.NotifyRegistrationComplete(registered, total)
	m.events.Publish(Event{
		Type:    EventStatus,
		Message: "registration finished",
		Fields:  map[string]interface{}{"registered": registered, "total": total},
	})
}

// fetchTerms retries the terms-and-conditions fetch with backoff
// until it succeeds or the context ends. A transient server error
// here must not strand the wallet unregistered for the whole session.
func (m *Miner) fetchTerms(ctx context.Context) (string, error) {
	backoff := util.Backoff{Base: 2 * time.Second, Max: m.cfg.Registration.MaxBackoff, Factor: 2}
	for attempt := 0; ; attempt++ {
		if delay := backoff.Delay(attempt); delay > 0 {
			sleepCtx(ctx, delay)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		terms, err := m.client.GetTerms(ctx)
		if err == nil {
			return terms, nil
		}
		util.Warnf("Terms fetch failed (attempt %d): %v", attempt+1, err)
		if attempt == 0 {
			m.events.publishError("terms fetch failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// registerPass runs one bounded-parallel pass over the addresses.
// Rate limiting shrinks the batch width (floor one) and backs off
// exponentially up to the configured cap; the width never grows back
// within a pass.
func (m *Miner) registerPass(ctx context.Context, addresses []Address, terms string) []Address {
	width := m.cfg.Registration.BatchSize
	if width < 1 {
		width = 1
	}
	backoff := util.Backoff{Base: 2 * time.Second, Max: m.cfg.Registration.MaxBackoff, Factor: 2}

	var mu sync.Mutex
	var failed []Address
	var rateLimited atomic.Bool
	attempt := 0

	i := 0
	for i < len(addresses) {
		if ctx.Err() != nil {
			return append(failed, addresses[i:]...)
		}

		end := i + width
		if end > len(addresses) {
			end = len(addresses)
		}
		rateLimited.Store(false)

		swg := sizedwaitgroup.New(width)
		for _, addr := range addresses[i:end] {
			swg.Add()
			go func(addr Address) {
				defer swg.Done()
				err := m.registerOne(ctx, addr, terms)
				if err == nil {
					return
				}
				if rpc.IsRateLimited(err) {
					rateLimited.Store(true)
				}
				util.Warnf("Registration failed for %s: %v", addr.Address, err)
				mu.Lock()
				failed = append(failed, addr)
				mu.Unlock()
			}(addr)
		}
		swg.Wait()
		i = end

		if rateLimited.Load() {
			attempt++
			if width > 1 {
				width /= 2
			}
			delay := backoff.Delay(attempt)
			util.Infof("Rate limited, batch width now %d, backing off %s", width, delay)
			sleepCtx(ctx, delay)
		} else {
			attempt = 0
		}
	}
	return failed
}

// registerOne signs the terms and registers a single address.
// Already-registered responses count as success; another instance got
// there first.
func (m *Miner) registerOne(ctx context.Context, addr Address, terms string) error {
	signature, err := m.wallet.SignMessage(ctx, addr.Index, terms)
	if err != nil {
		return err
	}

	err = m.client.Register(ctx, addr.Address, signature, addr.PublicKey)
	if err != nil && !rpc.IsDuplicate(err) {
		return err
	}
	if err != nil {
		util.Debugf("Address %s already registered", addr.Address)
	}

	if err := m.wallet.MarkRegistered(ctx, addr.Index); err != nil {
		// the server knows; only our local wallet flag is behind.
		// the tracker flag below keeps this process mining.
		util.Warnf("MarkRegistered failed for index %d: %v", addr.Index, err)
	}
	m.tracker.MarkRegistered(addr.Index)
	return nil
}
