// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordSolution records a solution submission outcome
func (a *Agent) RecordSolution(address, challengeID string, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "duplicate"
	}
	a.RecordCustomEvent("SolutionSubmission", map[string]interface{}{
		"address":     address,
		"challengeId": challengeID,
		"status":      status,
	})
}

// RecordSubmissionFailure records a failed solution submission
func (a *Agent) RecordSubmissionFailure(address, challengeID string, attempts int) {
	a.RecordCustomEvent("SubmissionFailure", map[string]interface{}{
		"address":     address,
		"challengeId": challengeID,
		"attempts":    attempts,
	})
}

// RecordRestart records a recovery restart
func (a *Agent) RecordRestart(reason string) {
	a.RecordCustomEvent("MinerRestart", map[string]interface{}{
		"reason": reason,
	})
}

// RecordChallengeChange records a challenge transition
func (a *Agent) RecordChallengeChange(challengeID, difficulty string) {
	a.RecordCustomEvent("ChallengeChange", map[string]interface{}{
		"challengeId": challengeID,
		"difficulty":  difficulty,
	})
}

// UpdateMinerMetrics updates miner-wide metrics
func (a *Agent) UpdateMinerMetrics(hashrate float64, workers, activeWorkers, batchSize int) {
	a.RecordCustomMetric("Custom/Miner/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Miner/Workers", float64(workers))
	a.RecordCustomMetric("Custom/Miner/ActiveWorkers", float64(activeWorkers))
	a.RecordCustomMetric("Custom/Miner/BatchSize", float64(batchSize))
}
