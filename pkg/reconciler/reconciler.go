package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between reconciliation passes
const DefaultInterval = 10 * time.Second

// SessionReaper ends sessions whose CPE went away
type SessionReaper interface {
	ReapStaleSessions(ctx context.Context) int
}

// SnapshotRefresher keeps the local configuration snapshot current
type SnapshotRefresher interface {
	Revision(ctx context.Context) (string, error)
}

// Purger drops expired cache and lock rows from an embedded store
type Purger interface {
	PurgeExpired() (int, error)
}

// Reconciler runs periodic housekeeping for the ACS process
type Reconciler struct {
	reaper    SessionReaper
	snapshots SnapshotRefresher
	purger    Purger
	interval  time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	revision string
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithInterval overrides DefaultInterval
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithPurger enables purging of expired rows
func WithPurger(p Purger) Option {
	return func(r *Reconciler) { r.purger = p }
}

// NewReconciler creates a new reconciler
func NewReconciler(reaper SessionReaper, snapshots SnapshotRefresher, opts ...Option) *Reconciler {
	r := &Reconciler{
		reaper:    reaper,
		snapshots: snapshots,
		interval:  DefaultInterval,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the current pass to finish
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.Reconcile(ctx)
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one pass: refresh the snapshot, reap idle sessions and
// purge expired rows
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperDuration)
		metrics.ReaperCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshots != nil {
		revision, err := r.snapshots.Revision(ctx)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("Failed to refresh configuration snapshot")
		case revision != r.revision:
			if r.revision != "" {
				r.logger.Info().Str("revision", revision).Msg("Configuration changed")
			}
			r.revision = revision
		}
	}

	if r.reaper != nil {
		if n := r.reaper.ReapStaleSessions(ctx); n > 0 {
			r.logger.Info().Int("sessions", n).Msg("Reaped idle sessions")
		}
	}

	if r.purger != nil {
		n, err := r.purger.PurgeExpired()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to purge expired rows")
		} else if n > 0 {
			r.logger.Debug().Int("rows", n).Msg("Purged expired rows")
		}
	}
}

// Revision returns the snapshot revision seen by the last pass
func (r *Reconciler) Revision() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}
