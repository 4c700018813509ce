package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClockSkewTolerance is added to every lock expiry and bounds the accepted
// difference between the local clock and the store's clock
const ClockSkewTolerance = 30 * time.Second

var (
	// ErrClockSkew means the local clock disagrees with the store; locks
	// cannot be trusted and the process should stop
	ErrClockSkew = errors.New("clock skew exceeds tolerance")

	// ErrLockExpired means a release found no row owned by the token
	ErrLockExpired = errors.New("lock already expired")
)

// Manager acquires and releases named locks in a shared store
type Manager struct {
	backend   storage.LockStore
	now       func() time.Time
	tolerance time.Duration
	logger    zerolog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the local clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTolerance replaces ClockSkewTolerance
func WithTolerance(d time.Duration) Option {
	return func(m *Manager) { m.tolerance = d }
}

// NewManager creates a lock manager over backend
func NewManager(backend storage.LockStore, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		now:       time.Now,
		tolerance: ClockSkewTolerance,
		logger:    log.WithComponent("lock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock name for ttl, retrying on contention until timeout
// elapses. An empty token generates a new one. Re-acquiring with the token of
// the current holder extends the lock. It returns "" and no error when the
// lock could not be taken in time.
func (m *Manager) Acquire(ctx context.Context, name string, ttl, timeout time.Duration, token string) (string, error) {
	if token == "" {
		token = uuid.NewString()
	}
	deadline := m.now().Add(timeout)

	for {
		now := m.now()
		written, err := m.backend.UpsertLock(ctx, name, token, now.Add(ttl+m.tolerance))
		if err == nil {
			skew := written.Sub(now)
			if skew < 0 {
				skew = -skew
			}
			if skew > m.tolerance {
				m.logger.Error().
					Str("lock", name).
					Dur("skew", skew).
					Msg("Clock skew detected")
				metrics.LockAcquireTotal.WithLabelValues("skew").Inc()
				return "", fmt.Errorf("%w: %s", ErrClockSkew, skew)
			}
			metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
			return token, nil
		}
		if !errors.Is(err, storage.ErrLockConflict) {
			return "", fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}

		if !m.now().Before(deadline) {
			metrics.LockAcquireTotal.WithLabelValues("contended").Inc()
			return "", nil
		}

		backoff := 50*time.Millisecond + rand.N(50*time.Millisecond)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Release deletes the lock if token still owns it. ErrLockExpired is
// returned when nothing was deleted.
func (m *Manager) Release(ctx context.Context, name, token string) error {
	deleted, err := m.backend.DeleteLock(ctx, name, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrLockExpired, name)
	}
	return nil
}
