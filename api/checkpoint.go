/*
checkpoint.go - Periodic accrual checkpoint job

PURPOSE:
  Periodically resolves pending accrual for every account so stored
  snapshots never grow stale. Projection at read time is always exact; the
  checkpoint exists for external consumers of the raw tables (exports,
  analytics) and to bound clock-skew drift on long-idle accounts.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Walks every account with balances and resolves each one in its own
    transaction span
  - A failure on one account is logged and does not stop the sweep

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the job is active (default: true)

USAGE:
  cp := NewCheckpointer(store, logger)
  cp.Start()
  // ... later
  cp.Stop()

SEE ALSO:
  - essence/ledger.go: Ledger.Checkpoint
  - market/sweeper.go: the analogous job for expired listings
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cogforge/essence-engine/essence"
)

// Checkpointer persists projected balances on a schedule.
type Checkpointer struct {
	Store         Backend
	Ledger        *essence.Ledger
	Log           *logrus.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCheckpointer creates a new checkpoint job.
func NewCheckpointer(store Backend, log *logrus.Logger) *Checkpointer {
	return &Checkpointer{
		Store:         store,
		Ledger:        essence.NewLedger(store),
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the job.
func (cp *Checkpointer) Start() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.Enabled {
		cp.Log.Info("checkpoint job disabled, not starting")
		return
	}

	cp.ticker = time.NewTicker(cp.CheckInterval)
	cp.wg.Add(1)

	go cp.run()

	cp.Log.WithField("interval", cp.CheckInterval).Info("checkpoint job started")
}

// Stop stops the job.
func (cp *Checkpointer) Stop() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.ticker != nil {
		cp.ticker.Stop()
		close(cp.stop)
		cp.wg.Wait()
		cp.Log.Info("checkpoint job stopped")
	}
}

func (cp *Checkpointer) run() {
	defer cp.wg.Done()

	// Run immediately on start
	cp.checkpointAll()

	for {
		select {
		case <-cp.ticker.C:
			cp.checkpointAll()
		case <-cp.stop:
			return
		}
	}
}

func (cp *Checkpointer) checkpointAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().UTC()

	accounts, err := cp.Store.AccountsWithBalances(ctx)
	if err != nil {
		cp.Log.WithError(err).Error("checkpoint: failed to list accounts")
		return
	}

	resolved := 0
	failed := 0
	for _, account := range accounts {
		n, err := cp.Ledger.Checkpoint(ctx, account, now)
		if err != nil {
			failed++
			cp.Log.WithError(err).WithField("account", account).
				Warn("checkpoint: account failed")
			continue
		}
		resolved += n
	}

	if resolved > 0 || failed > 0 {
		cp.Log.WithFields(logrus.Fields{
			"accounts": len(accounts),
			"resolved": resolved,
			"failed":   failed,
		}).Info("checkpoint completed")
	}
}

// RunNow triggers an immediate checkpoint (for testing/admin).
func (cp *Checkpointer) RunNow() {
	cp.checkpointAll()
}
