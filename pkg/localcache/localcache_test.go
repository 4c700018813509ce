package localcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*storage.BoltStore, *clock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePreset(ctx, &types.Preset{Name: "inform", Channel: "default", Provisions: [][]any{{"refresh", "Device.DeviceInfo"}}}))
	require.NoError(t, store.SaveProvision(ctx, &types.Script{Name: "wifi", Script: `declare("Device.WiFi")`}))
	require.NoError(t, store.SaveConfig(ctx, &types.ConfigEntry{Key: "cwmp.retryDelay", Value: "60"}))

	return store, &clock{now: time.Unix(1_700_000_000, 0)}
}

func newCache(store *storage.BoltStore, clk *clock) *Cache {
	return New(store, store, lock.NewManager(store), WithClock(clk.Now))
}

func TestRevisionPublishesHash(t *testing.T) {
	store, clk := setup(t)
	c := newCache(store, clk)
	ctx := context.Background()

	rev, err := c.Revision(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rev)

	published, err := store.Get(ctx, HashKey)
	require.NoError(t, err)
	assert.Equal(t, rev, published)

	snap, err := c.Get(rev)
	require.NoError(t, err)
	require.Len(t, snap.Presets, 1)
	assert.Equal(t, "inform", snap.Presets[0].Name)
	assert.Equal(t, `declare("Device.WiFi")`, snap.Provisions["wifi"])
	assert.Equal(t, rev, snap.Revision)
}

func TestRevisionIsStableUntilInvalidated(t *testing.T) {
	store, clk := setup(t)
	c := newCache(store, clk)
	ctx := context.Background()

	first, err := c.Revision(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SaveConfig(ctx, &types.ConfigEntry{Key: "cwmp.retryDelay", Value: "120"}))
	clk.Advance(DefaultRefreshInterval)

	again, err := c.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, c.Invalidate(ctx))
	second, err := c.Revision(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	snap, err := c.Get(second)
	require.NoError(t, err)
	assert.EqualValues(t, 120, ConfigInt(snap, "cwmp.retryDelay", 300))
}

func TestSupersededRevisionIsReadableDuringGrace(t *testing.T) {
	store, clk := setup(t)
	c := newCache(store, clk)
	ctx := context.Background()

	old, err := c.Revision(ctx)
	require.NoError(t, err)
	before, err := c.Get(old)
	require.NoError(t, err)

	require.NoError(t, store.SavePreset(ctx, &types.Preset{Name: "boot", Channel: "default"}))
	require.NoError(t, c.Invalidate(ctx))
	_, err = c.Revision(ctx)
	require.NoError(t, err)

	clk.Advance(DefaultGracePeriod - time.Second)
	during, err := c.Get(old)
	require.NoError(t, err)
	assert.Same(t, before, during)

	clk.Advance(time.Second)
	_, err = c.Get(old)
	assert.ErrorIs(t, err, ErrRevisionEvicted)
}

func TestRevisionFollowsPublishedHash(t *testing.T) {
	store, clk := setup(t)
	a := newCache(store, clk)
	b := newCache(store, clk)
	ctx := context.Background()

	revA, err := a.Revision(ctx)
	require.NoError(t, err)
	revB, err := b.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, revA, revB)

	require.NoError(t, store.SaveProvision(ctx, &types.Script{Name: "wifi", Script: `declare("Device.WiFi.SSID")`}))
	require.NoError(t, b.Invalidate(ctx))
	newB, err := b.Revision(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, revB, newB)

	clk.Advance(DefaultRefreshInterval)
	newA, err := a.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, newB, newA)
}

func TestGetUnknownRevision(t *testing.T) {
	store, clk := setup(t)
	c := newCache(store, clk)

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrRevisionEvicted)
}

func TestConfigGetters(t *testing.T) {
	store, clk := setup(t)
	ctx := context.Background()
	require.NoError(t, store.SaveConfig(ctx, &types.ConfigEntry{Key: "cwmp.sessionTimeout", Value: " 45 "}))
	require.NoError(t, store.SaveConfig(ctx, &types.ConfigEntry{Key: "cwmp.broken", Value: "abc"}))
	require.NoError(t, store.SaveConfig(ctx, &types.ConfigEntry{Key: "cwmp.auth", Value: ""}))
	c := newCache(store, clk)

	rev, err := c.Revision(ctx)
	require.NoError(t, err)
	snap, err := c.Get(rev)
	require.NoError(t, err)

	assert.EqualValues(t, 60, ConfigInt(snap, "cwmp.retryDelay", 300))
	assert.EqualValues(t, 300, ConfigInt(snap, "cwmp.missing", 300))
	assert.EqualValues(t, 7, ConfigInt(snap, "cwmp.broken", 7))
	assert.Equal(t, 45*time.Second, ConfigSeconds(snap, "cwmp.sessionTimeout", 30))
	assert.Equal(t, "60", ConfigString(snap, "cwmp.retryDelay", ""))
	assert.Equal(t, "none", ConfigString(snap, "cwmp.auth", "none"))
	assert.Equal(t, "d", ConfigString(nil, "cwmp.retryDelay", "d"))
}

func TestRevisionFailsOnClockSkew(t *testing.T) {
	store, clk := setup(t)
	behind := func() time.Time { return time.Now().Add(-10 * time.Minute) }
	c := New(store, store, lock.NewManager(store, lock.WithClock(behind)), WithClock(clk.Now))

	rev, err := c.Revision(context.Background())
	assert.ErrorIs(t, err, lock.ErrClockSkew)
	assert.Empty(t, rev)

	_, err = store.Get(context.Background(), HashKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
