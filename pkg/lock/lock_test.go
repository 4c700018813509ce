package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/acs/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, opts...)
}

// skewedBackend reports a write time offset from the real clock
type skewedBackend struct {
	storage.LockStore
	offset time.Duration
}

func (b *skewedBackend) UpsertLock(ctx context.Context, name, token string, expire time.Time) (time.Time, error) {
	if _, err := b.LockStore.UpsertLock(ctx, name, token, expire); err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(b.offset), nil
}

func TestAcquireGeneratesToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Acquire(context.Background(), "session_dev-1", time.Minute, 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestAcquireIsIdempotentForSameToken(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "tok")
	require.NoError(t, err)
	require.Equal(t, "tok", token)

	again, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", again)
}

func TestAcquireContended(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "owner")
	require.NoError(t, err)

	token, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "other")
	require.NoError(t, err)
	assert.Empty(t, token, "timeout 0 gives up immediately")

	start := time.Now()
	token, err = m.Acquire(ctx, "session_dev-1", time.Minute, 200*time.Millisecond, "other")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "presets_hash_lock", time.Minute, 0, "owner")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = m.Release(ctx, "presets_hash_lock", "owner")
	}()

	token, err := m.Acquire(ctx, "presets_hash_lock", time.Minute, 2*time.Second, "waiter")
	require.NoError(t, err)
	assert.Equal(t, "waiter", token)
}

func TestMutualExclusion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "")
			assert.NoError(t, err)
			if token != "" {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.Release(ctx, "session_dev-1", "nobody")
	assert.ErrorIs(t, err, ErrLockExpired)

	token, err := m.Acquire(ctx, "session_dev-1", time.Minute, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "session_dev-1", token))
	assert.ErrorIs(t, m.Release(ctx, "session_dev-1", token), ErrLockExpired)
}

func TestClockSkewIsFatal(t *testing.T) {
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	m := NewManager(&skewedBackend{LockStore: s, offset: 2 * time.Minute})
	_, err = m.Acquire(context.Background(), "session_dev-1", time.Minute, 0, "")
	assert.ErrorIs(t, err, ErrClockSkew)

	m = NewManager(&skewedBackend{LockStore: s, offset: 10 * time.Second})
	_, err = m.Acquire(context.Background(), "session_dev-2", time.Minute, 0, "")
	assert.NoError(t, err, "skew within tolerance is accepted")
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	m := NewManager(s, WithTolerance(time.Second))
	_, err = m.Acquire(context.Background(), "session_dev-1", 10*time.Millisecond, 0, "first")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	token, err := m.Acquire(context.Background(), "session_dev-1", time.Minute, 0, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", token)
}
