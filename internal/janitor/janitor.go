// Package janitor periodically removes snapshots whose age exceeds
// the configured removal horizon.
package janitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/snapshot"
)

const leaseName = "janitor"

// Janitor runs the periodic snapshot sweep. Each sweep takes a lease
// in the store so only one gateway instance sweeps at a time.
type Janitor struct {
	store       snapshot.Store
	removeAfter time.Duration
	interval    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a janitor. The sweep interval is removeAfter/24 capped
// at one hour.
func New(store snapshot.Store, removeAfter time.Duration) *Janitor {
	interval := removeAfter / 24
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{
		store:       store,
		removeAfter: removeAfter,
		interval:    interval,
		stop:        make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				j.Sweep(context.Background())
			}
		}
	}()
}

// Sweep removes snapshots older than the horizon, if this instance
// wins the lease. It returns the number of snapshots removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()

	ok, err := j.store.AcquireLease(ctx, leaseName, j.interval)
	if err != nil {
		logging.Warn("janitor lease failed", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}

	cutoff := time.Now().Add(-j.removeAfter)
	removed, err := j.store.ExpireBefore(ctx, cutoff)
	if err != nil {
		logging.Error("janitor sweep failed", zap.Error(err))
		return removed
	}
	if removed > 0 {
		metrics.JanitorRemovals.Add(float64(removed))
		logging.Info("janitor removed expired snapshots",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return removed
}

// Close stops the sweep loop.
func (j *Janitor) Close() {
	close(j.stop)
	j.wg.Wait()
}
