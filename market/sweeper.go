/*
sweeper.go - Background expiry of lapsed listings

PURPOSE:
  Periodically releases active listings whose expiry has passed,
  returning the remaining quantity to each seller. Expiry is otherwise
  lazy - a lapsed listing simply stops matching ActiveListings - so the
  sweeper is a hygiene job, not a correctness requirement.

USAGE:
  sweeper := market.NewSweeper(escrow, log)
  sweeper.Start()
  defer sweeper.Stop()
*/
package market

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper drives ReleaseExpired on a fixed interval.
type Sweeper struct {
	Escrow   *Escrow
	Log      *logrus.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(escrow *Escrow, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		Escrow:   escrow,
		Log:      log,
		Interval: 10 * time.Minute,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.ticker = time.NewTicker(sw.Interval)
	sw.wg.Add(1)
	go sw.run()

	sw.Log.WithField("interval", sw.Interval).Info("listing sweeper started")
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.ticker.C:
			sw.sweepOnce()
		case <-sw.stop:
			return
		}
	}
}

func (sw *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	released, err := sw.Escrow.ReleaseExpired(ctx, time.Now().UTC())
	if err != nil {
		sw.Log.WithError(err).Warn("listing sweep failed")
		return
	}
	if released > 0 {
		sw.Log.WithField("released", released).Info("expired listings released")
	}
}
