package miner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/engine"
	"github.com/tos-network/tos-miner/internal/newrelic"
	"github.com/tos-network/tos-miner/internal/notify"
	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/util"
)

// restartDrain is the settle time between tearing mining down and
// bringing it back up during a full restart
const restartDrain = 5 * time.Second

// Miner is the orchestration service. It owns the challenge poller,
// the worker pool, the tuning and health loops, and the shared state
// they coordinate through.
type Miner struct {
	cfg       *config.Config
	engine    engine.Engine
	client    *rpc.ChallengeClient
	wallet    *rpc.WalletClient
	redis     *storage.RedisClient
	notifier  *notify.Notifier
	telemetry *newrelic.Agent
	events    *EventBus

	state   *sharedState
	workers *workerTable
	tracker *addressTracker

	batchTuner  *batchTuner
	workerTuner *workerTuner
	health      *healthMonitor

	// hot-tunable knobs, read every round
	batchSize    atomic.Int64
	workerBudget atomic.Int64

	chMu      sync.RWMutex
	challenge *Challenge

	running     atomic.Bool
	mining      atomic.Bool
	registering atomic.Bool

	// mining session lifecycle
	sessionMu     sync.Mutex
	sessionCancel context.CancelFunc
	sessionWg     sync.WaitGroup

	totalHashes       atomic.Uint64
	solutionsAccepted atomic.Uint64
	submitErrors      atomic.Uint64
	restarts          atomic.Uint64

	walletPassword string
	startedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMiner wires the orchestrator together. The engine must already
// be constructed; ROM initialization happens when the first active
// challenge arrives.
func NewMiner(cfg *config.Config, eng engine.Engine, redis *storage.RedisClient) *Miner {
	ctx, cancel := context.WithCancel(context.Background())

	notifyCfg := &notify.WebhookConfig{
		Enabled:      cfg.Notify.Enabled,
		DiscordURL:   cfg.Notify.DiscordURL,
		TelegramBot:  cfg.Notify.TelegramBot,
		TelegramChat: cfg.Notify.TelegramChat,
		MinerName:    cfg.Notify.MinerName,
	}

	m := &Miner{
		cfg:       cfg,
		engine:    eng,
		client:    rpc.NewChallengeClient(cfg.Challenge.URL, cfg.Challenge.Timeout),
		wallet:    rpc.NewWalletClient(cfg.Wallet.URL, cfg.Wallet.Username, cfg.Wallet.Password, cfg.Wallet.Timeout),
		redis:     redis,
		notifier:  notify.NewNotifier(notifyCfg),
		telemetry: newrelic.NewAgent(&cfg.NewRelic),
		events:    NewEventBus(),
		state:     newSharedState(),
		workers:   newWorkerTable(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.tracker = newAddressTracker(m.state)
	m.batchTuner = newBatchTuner(m)
	m.workerTuner = newWorkerTuner(m)
	m.health = newHealthMonitor(m)
	m.batchSize.Store(int64(cfg.Miner.BatchSize))
	m.workerBudget.Store(int64(cfg.Miner.Workers))
	return m
}

// Events exposes the event stream for the API layer
func (m *Miner) Events() *EventBus {
	return m.events
}

// Start loads the wallet, rebuilds solved state from receipts, kicks
// off registration, and starts every background loop. Mining itself
// begins when the poller installs an active challenge.
func (m *Miner) Start(password string, addressOffset int) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("miner already running")
	}
	// drop the previous control context; after a Stop it is already
	// cancelled, and the constructor's one must not leak
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.walletPassword = password
	m.startedAt = time.Now()

	if err := m.telemetry.Start(); err != nil {
		util.Warnf("Telemetry disabled: %v", err)
	}

	if err := m.loadAddresses(password, addressOffset); err != nil {
		m.running.Store(false)
		return err
	}
	m.rebuildSolvedState()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.registerAddresses(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(m.ctx)
	}()

	if m.cfg.Tuning.Enabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.batchTuner.run(m.ctx)
		}()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.workerTuner.run(m.ctx)
		}()
	}

	if m.cfg.Health.Enabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.health.run(m.ctx)
		}()
	}

	total, registered := m.tracker.Counts()
	util.Infof("Miner started: %d addresses (%d registered), %d workers, batch size %d",
		total, registered, m.cfg.Miner.Workers, m.cfg.Miner.BatchSize)
	m.events.publishStatus("miner started")
	return nil
}

// Stop tears everything down. Safe to call more than once.
func (m *Miner) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	util.Infof("Stopping miner...")
	m.stopMiningLoop("shutdown")
	m.cancel()
	m.wg.Wait()
	m.telemetry.Stop()
	util.Infof("Miner stopped")
}

// Reinitialize stops mining, reloads the wallet with a possibly new
// offset, and resumes against the current challenge.
func (m *Miner) Reinitialize(password string, addressOffset int) error {
	if !m.running.Load() {
		return fmt.Errorf("miner not running")
	}
	util.Infof("Reinitializing miner (offset %d)", addressOffset)
	m.stopMiningLoop("reinitialize")

	m.walletPassword = password
	if err := m.loadAddresses(password, addressOffset); err != nil {
		return err
	}
	m.state.ClearChallengeState()
	m.workers.Reset()
	m.rebuildSolvedState()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.registerAddresses(m.ctx)
	}()

	if m.currentChallenge() != nil {
		m.startMiningLoop()
	}
	m.events.publishStatus("miner reinitialized")
	return nil
}

// ConfigUpdate carries hot-reloadable settings; nil fields are left
// unchanged.
type ConfigUpdate struct {
	Workers   *int `json:"worker_threads,omitempty"`
	BatchSize *int `json:"batch_size,omitempty"`
}

// UpdateConfiguration applies hot-reloadable knobs. Worker loops pick
// the new values up on their next round.
func (m *Miner) UpdateConfiguration(upd ConfigUpdate) error {
	if upd.Workers != nil {
		if *upd.Workers <= 0 {
			return fmt.Errorf("worker count must be positive")
		}
		m.workerBudget.Store(int64(*upd.Workers))
		m.workers.DropOrphans(*upd.Workers)
		util.Infof("Worker budget updated to %d", *upd.Workers)
	}
	if upd.BatchSize != nil {
		if *upd.BatchSize <= 0 {
			return fmt.Errorf("batch size must be positive")
		}
		m.batchSize.Store(int64(*upd.BatchSize))
		util.Infof("Batch size updated to %d", *upd.BatchSize)
	}
	m.events.publishStatus("configuration updated")
	return nil
}

// GetStats returns a point-in-time snapshot of the session
func (m *Miner) GetStats() Stats {
	total, registered := m.tracker.Counts()
	var challengeID, difficulty string
	if ch := m.currentChallenge(); ch != nil {
		challengeID = ch.ID
		difficulty = ch.Difficulty
	}
	return Stats{
		Mining:            m.mining.Load(),
		ChallengeID:       challengeID,
		Difficulty:        difficulty,
		Workers:           int(m.workerBudget.Load()),
		BatchSize:         int(m.batchSize.Load()),
		ActiveWorkers:     m.workers.ActiveCount(time.Now()),
		HashRate:          m.workers.TotalHashRate(),
		BaselineHashRate:  m.health.Baseline(),
		TotalHashes:       m.totalHashes.Load(),
		AddressCount:      total,
		RegisteredCount:   registered,
		SolutionsAccepted: m.solutionsAccepted.Load(),
		SubmitErrors:      m.submitErrors.Load(),
		Restarts:          m.restarts.Load(),
		SuggestedWorkers:  m.workerTuner.Suggested(),
		StartedAt:         m.startedAt.Unix(),
	}
}

// WorkerSnapshot exposes per-worker state for the API layer
func (m *Miner) WorkerSnapshot() []WorkerState {
	return m.workers.Snapshot()
}

// CurrentChallenge exposes the installed challenge for the API layer
func (m *Miner) CurrentChallenge() *Challenge {
	return m.currentChallenge()
}

func (m *Miner) currentChallenge() *Challenge {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	return m.challenge
}

// effectiveBudget is the worker budget after the registration
// reduction, never below one
func (m *Miner) effectiveBudget() int {
	budget := int(m.workerBudget.Load())
	if m.registering.Load() {
		budget = int(float64(budget) * m.cfg.Registration.WorkerFraction)
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

// loadAddresses pulls the wallet's address list, applies the offset,
// and validates what came back before handing it to the tracker.
func (m *Miner) loadAddresses(password string, offset int) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Wallet.Timeout)
	defer cancel()

	list, err := m.wallet.LoadWallet(ctx, password)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if offset >= len(list) {
		// derive enough addresses to cover the requested range
		want := offset + 1
		util.Infof("Wallet has %d addresses, expanding to %d for offset %d", len(list), want, offset)
		if err := m.wallet.ExpandAddresses(ctx, password, want-len(list)); err != nil {
			return fmt.Errorf("expand addresses: %w", err)
		}
		if list, err = m.wallet.LoadWallet(ctx, password); err != nil {
			return fmt.Errorf("reload wallet: %w", err)
		}
		if offset >= len(list) {
			return fmt.Errorf("address offset %d exceeds wallet size %d after expansion", offset, len(list))
		}
	}
	list = list[offset:]

	addresses := make([]Address, 0, len(list))
	for _, wa := range list {
		if !util.ValidateAddress(wa.Address) {
			// index corruption is fatal for the range; the wallet
			// must regenerate before mining can use it
			return fmt.Errorf("wallet returned malformed address at index %d", wa.Index)
		}
		addresses = append(addresses, Address{
			Index:      wa.Index,
			Address:    wa.Address,
			PublicKey:  wa.PublicKey,
			Registered: wa.Registered,
		})
	}
	m.tracker.SetAddresses(addresses)
	util.Infof("Loaded %d addresses from wallet (offset %d)", len(addresses), offset)
	return nil
}

// rebuildSolvedState replays the receipt log so a restarted process
// does not re-mine work it already solved.
func (m *Miner) rebuildSolvedState() {
	receipts, err := m.redis.ReadReceipts()
	if err != nil {
		util.Warnf("Receipt replay failed: %v", err)
		return
	}
	replayed := 0
	for _, rec := range receipts {
		if rec.Status == storage.ReceiptAccepted || rec.Status == storage.ReceiptDuplicate {
			m.state.MarkSolved(rec.Address, rec.ChallengeID)
			replayed++
		}
	}
	if counters, err := m.redis.GetCounters(); err == nil {
		m.solutionsAccepted.Store(counters.SolutionsAccepted + counters.SolutionsDuplicate)
		m.submitErrors.Store(counters.SubmitErrors)
		m.restarts.Store(counters.Restarts)
	}
	if replayed > 0 {
		util.Infof("Replayed %d accepted receipts into solved state", replayed)
	}
}

// startMiningLoop starts the coordinator session if it is not
// already running
func (m *Miner) startMiningLoop() {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.mining.Load() || !m.running.Load() {
		return
	}
	sctx, cancel := context.WithCancel(m.ctx)
	m.sessionCancel = cancel
	m.mining.Store(true)
	m.sessionWg.Add(1)
	go func() {
		defer m.sessionWg.Done()
		m.miningLoop(sctx)
	}()
	util.Infof("Mining loop started")
	m.events.publishStatus("mining started")
}

// stopMiningLoop cancels the session, discards in-flight engine work,
// waits for every worker to exit, and force-clears blocking state so
// nothing stale can resurrect old work.
func (m *Miner) stopMiningLoop(reason string) {
	m.sessionMu.Lock()
	if !m.mining.Load() {
		m.sessionMu.Unlock()
		return
	}
	m.mining.Store(false)
	cancel := m.sessionCancel
	m.sessionMu.Unlock()

	cancel()
	m.engine.KillWorkers()
	m.sessionWg.Wait()
	m.state.ClearBlockingState()
	util.Infof("Mining loop stopped: %s", reason)
	m.events.publishStatus("mining stopped: " + reason)
}

// fullRestart is the heavy recovery path used by the health monitor:
// tear down, clear all mining state, settle, bring back up.
func (m *Miner) fullRestart(reason string) {
	util.Warnf("Full restart: %s", reason)
	m.events.publishError("restarting: "+reason, nil)

	m.stopMiningLoop(reason)
	m.state.ClearChallengeState()
	m.workers.Reset()
	m.tracker.Invalidate()
	m.health.ResetBaseline()

	select {
	case <-time.After(restartDrain):
	case <-m.ctx.Done():
		return
	}

	m.restarts.Add(1)
	if err := m.redis.RecordRestart(); err != nil {
		util.Warnf("Restart counter write failed: %v", err)
	}
	m.telemetry.RecordRestart(reason)
	m.notifier.NotifyRestart(reason)

	if m.currentChallenge() != nil {
		m.startMiningLoop()
	}
}

// lightRestart is the hourly maintenance path: drain, clear worker
// stats, re-run ROM setup for the current challenge, resume.
func (m *Miner) lightRestart() {
	ch := m.currentChallenge()
	if ch == nil {
		return
	}
	util.Infof("Hourly maintenance restart")
	m.stopMiningLoop("hourly maintenance")
	m.workers.Reset()

	if err := m.engine.InitRom(m.ctx, ch.NoPreMine); err != nil {
		util.Warnf("ROM re-init failed: %v", err)
	}
	if err := m.waitEngineReady(m.ctx); err != nil {
		util.Errorf("Engine not ready after maintenance restart: %v", err)
		m.events.publishError("engine not ready after maintenance restart", nil)
		return
	}
	m.startMiningLoop()
}

// waitEngineReady polls engine readiness up to the configured ROM
// init timeout
func (m *Miner) waitEngineReady(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.Challenge.RomInitTimeout)
	for {
		if m.engine.IsReady() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine not ready after %s", m.cfg.Challenge.RomInitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
