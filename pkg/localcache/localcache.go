package localcache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	// HashKey is the shared cache key holding the published revision
	HashKey = "presets_hash"

	lockName = "presets_hash_lock"
	lockTTL  = 5 * time.Second

	DefaultRefreshInterval = 5 * time.Second
	DefaultGracePeriod     = 120 * time.Second
)

// ErrRevisionEvicted is returned by Get for a revision that is unknown or
// past its grace period
var ErrRevisionEvicted = errors.New("snapshot revision evicted")

// SnapshotSource lists the cluster configuration a snapshot is built from
type SnapshotSource interface {
	ListPresets(ctx context.Context) ([]*types.Preset, error)
	ListProvisions(ctx context.Context) ([]*types.Script, error)
	ListVirtualParameters(ctx context.Context) ([]*types.Script, error)
	ListFiles(ctx context.Context) ([]*types.File, error)
	ListConfig(ctx context.Context) ([]*types.ConfigEntry, error)
}

type entry struct {
	snapshot *types.Snapshot
	// expire is zero while the revision is current
	expire time.Time
}

// Cache keeps recent configuration snapshots keyed by content hash
type Cache struct {
	source SnapshotSource
	shared storage.Cache
	locks  *lock.Manager
	now    func() time.Time

	refreshInterval time.Duration
	gracePeriod     time.Duration

	mu          sync.Mutex
	current     string
	nextRefresh time.Time
	snapshots   map[string]*entry

	group  singleflight.Group
	logger zerolog.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefreshInterval sets how often the shared hash is checked
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) { c.refreshInterval = d }
}

// WithGracePeriod sets how long superseded revisions stay readable
func WithGracePeriod(d time.Duration) Option {
	return func(c *Cache) { c.gracePeriod = d }
}

// New creates a snapshot cache
func New(source SnapshotSource, shared storage.Cache, locks *lock.Manager, opts ...Option) *Cache {
	c := &Cache{
		source:          source,
		shared:          shared,
		locks:           locks,
		now:             time.Now,
		refreshInterval: DefaultRefreshInterval,
		gracePeriod:     DefaultGracePeriod,
		snapshots:       make(map[string]*entry),
		logger:          log.WithComponent("localcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Revision returns the current revision key, refreshing first when a check
// is due
func (c *Cache) Revision(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.current != "" && c.now().Before(c.nextRefresh) {
		rev := c.current
		c.mu.Unlock()
		return rev, nil
	}
	c.mu.Unlock()

	rev, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return "", err
	}
	return rev.(string), nil
}

// Get returns the snapshot of revision
func (c *Cache) Get(revision string) (*types.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.snapshots[revision]
	if !ok || (!e.expire.IsZero() && !c.now().Before(e.expire)) {
		return nil, fmt.Errorf("%w: %s", ErrRevisionEvicted, revision)
	}
	return e.snapshot, nil
}

// Invalidate removes the shared hash so every process recomputes its
// snapshot on the next check
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.shared.Delete(ctx, HashKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}
	c.mu.Lock()
	c.nextRefresh = time.Time{}
	c.mu.Unlock()
	return nil
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	remote, err := c.shared.Get(ctx, HashKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read snapshot hash: %w", err)
	}

	c.mu.Lock()
	if remote != "" && remote == c.current {
		c.nextRefresh = c.now().Add(c.refreshInterval)
		c.mu.Unlock()
		metrics.SnapshotRefreshTotal.WithLabelValues("unchanged").Inc()
		return remote, nil
	}
	c.mu.Unlock()

	token, err := c.locks.Acquire(ctx, lockName, lockTTL, 0, "")
	if errors.Is(err, lock.ErrClockSkew) {
		return "", fmt.Errorf("failed to take snapshot publish lock: %w", err)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to take snapshot publish lock")
		token = ""
	}

	snapshot, hash, err := c.compute(ctx)
	if err != nil {
		if token != "" {
			_ = c.locks.Release(ctx, lockName, token)
		}
		return "", err
	}

	result := "computed"
	if token != "" {
		if hash != remote {
			if err := c.shared.Set(ctx, HashKey, hash, 0); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to publish snapshot hash")
			} else {
				result = "published"
			}
		}
		if err := c.locks.Release(ctx, lockName, token); err != nil {
			c.logger.Debug().Err(err).Msg("Snapshot publish lock already expired")
		}
	}

	c.install(hash, snapshot)
	metrics.SnapshotRefreshTotal.WithLabelValues(result).Inc()
	c.logger.Debug().Str("revision", hash).Str("result", result).Msg("Snapshot refreshed")
	return hash, nil
}

// install makes hash the current revision and starts the grace period of
// the one it replaces
func (c *Cache) install(hash string, snapshot *types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.current != "" && c.current != hash {
		if old, ok := c.snapshots[c.current]; ok {
			old.expire = now.Add(c.gracePeriod)
		}
	}
	if _, ok := c.snapshots[hash]; !ok || c.current != hash {
		c.snapshots[hash] = &entry{snapshot: snapshot}
	}
	c.current = hash
	c.nextRefresh = now.Add(c.refreshInterval)

	for rev, e := range c.snapshots {
		if !e.expire.IsZero() && !now.Before(e.expire) {
			delete(c.snapshots, rev)
		}
	}
	metrics.SnapshotRevisions.Set(float64(len(c.snapshots)))
}

// compute builds the canonical snapshot from the source and its hash
func (c *Cache) compute(ctx context.Context) (*types.Snapshot, string, error) {
	presets, err := c.source.ListPresets(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list presets: %w", err)
	}
	provisions, err := c.source.ListProvisions(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list provisions: %w", err)
	}
	vparams, err := c.source.ListVirtualParameters(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list virtual parameters: %w", err)
	}
	files, err := c.source.ListFiles(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list files: %w", err)
	}
	config, err := c.source.ListConfig(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list config: %w", err)
	}

	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	s := &types.Snapshot{
		Presets:           presets,
		Provisions:        make(map[string]string, len(provisions)),
		VirtualParameters: make(map[string]string, len(vparams)),
		Files:             make(map[string]*types.File, len(files)),
		Config:            make(map[string]string, len(config)),
	}
	for _, p := range provisions {
		s.Provisions[p.Name] = p.Script
	}
	for _, v := range vparams {
		s.VirtualParameters[v.Name] = v.Script
	}
	for _, f := range files {
		s.Files[f.ID] = f
	}
	for _, e := range config {
		s.Config[e.Key] = e.Value
	}

	// map keys marshal sorted, so equal content hashes equally
	data, err := json.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:16])
	s.Revision = hash
	return s, hash, nil
}

// ConfigString returns a config value of snap, or def when unset or empty
func ConfigString(snap *types.Snapshot, key, def string) string {
	if snap == nil {
		return def
	}
	if v, ok := snap.Config[key]; ok && v != "" {
		return v
	}
	return def
}

// ConfigInt returns an integer config value of snap, or def when unset or
// malformed
func ConfigInt(snap *types.Snapshot, key string, def int64) int64 {
	v := ConfigString(snap, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		logger := log.WithComponent("localcache")
		logger.Warn().Str("key", key).Str("value", v).Msg("Invalid integer config value")
		return def
	}
	return n
}

// ConfigSeconds reads an integer config value in seconds
func ConfigSeconds(snap *types.Snapshot, key string, def int64) time.Duration {
	return time.Duration(ConfigInt(snap, key, def)) * time.Second
}
