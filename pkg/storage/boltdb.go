package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices           = []byte("devices")
	bucketTasks             = []byte("tasks")
	bucketFaults            = []byte("faults")
	bucketOperations        = []byte("operations")
	bucketPresets           = []byte("presets")
	bucketProvisions        = []byte("provisions")
	bucketVirtualParameters = []byte("virtual_parameters")
	bucketFiles             = []byte("files")
	bucketConfig            = []byte("config")
	bucketCache             = []byte("cache")
	bucketLocks             = []byte("locks")
	bucketSets              = []byte("sets")
)

// BoltStore implements Store, Cache and LockStore using BoltDB. It suits a
// single ACS process; bbolt holds an exclusive file lock.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// cacheEntry is a cache or lock row with its expiry in unix milliseconds
type cacheEntry struct {
	Value  string `json:"value"`
	Expire int64  `json:"expire,omitempty"`
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.Expire != 0 && e.Expire <= now.UnixMilli()
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "acs.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketTasks,
			bucketFaults,
			bucketOperations,
			bucketPresets,
			bucketProvisions,
			bucketVirtualParameters,
			bucketFiles,
			bucketConfig,
			bucketCache,
			bucketLocks,
			bucketSets,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) del(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// scan decodes every row of bucket whose key starts with prefix
func scan[T any](s *BoltStore, bucket, prefix []byte, fn func(key []byte, v *T)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
			}
			fn(k, &item)
		}
		return nil
	})
}

// Device operations
func (s *BoltStore) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	if device.Tree == nil {
		device.Tree = devicedata.New()
	}
	device.Tree.Init()
	return &device, nil
}

func (s *BoltStore) SaveDevice(ctx context.Context, device *types.Device) error {
	return s.put(bucketDevices, []byte(device.ID), device)
}

// Task operations
func (s *BoltStore) ListTasks(ctx context.Context, deviceID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := scan(s, bucketTasks, devicePrefix(deviceID), func(_ []byte, t *types.Task) {
		tasks = append(tasks, t)
	})
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *BoltStore) CreateTask(ctx context.Context, task *types.Task) error {
	return s.put(bucketTasks, deviceKey(task.Device, task.ID), task)
}

func (s *BoltStore) DeleteTask(ctx context.Context, deviceID, id string) error {
	return s.del(bucketTasks, deviceKey(deviceID, id))
}

// sortTasks orders tasks FIFO by timestamp, then id
func sortTasks(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Timestamp != tasks[j].Timestamp {
			return tasks[i].Timestamp < tasks[j].Timestamp
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Fault operations
func (s *BoltStore) ListFaults(ctx context.Context, deviceID string) (map[string]*types.Fault, error) {
	prefix := devicePrefix(deviceID)
	faults := make(map[string]*types.Fault)
	err := scan(s, bucketFaults, prefix, func(k []byte, f *types.Fault) {
		faults[string(k[len(prefix):])] = f
	})
	return faults, err
}

func (s *BoltStore) SaveFault(ctx context.Context, deviceID, channel string, fault *types.Fault) error {
	return s.put(bucketFaults, deviceKey(deviceID, channel), fault)
}

func (s *BoltStore) DeleteFault(ctx context.Context, deviceID, channel string) error {
	return s.del(bucketFaults, deviceKey(deviceID, channel))
}

// Operation operations
func (s *BoltStore) ListOperations(ctx context.Context, deviceID string) (map[string]*types.Operation, error) {
	prefix := devicePrefix(deviceID)
	ops := make(map[string]*types.Operation)
	err := scan(s, bucketOperations, prefix, func(k []byte, op *types.Operation) {
		ops[string(k[len(prefix):])] = op
	})
	return ops, err
}

func (s *BoltStore) SaveOperation(ctx context.Context, deviceID, commandKey string, op *types.Operation) error {
	return s.put(bucketOperations, deviceKey(deviceID, commandKey), op)
}

func (s *BoltStore) DeleteOperation(ctx context.Context, deviceID, commandKey string) error {
	return s.del(bucketOperations, deviceKey(deviceID, commandKey))
}

// Preset operations
func (s *BoltStore) ListPresets(ctx context.Context) ([]*types.Preset, error) {
	var presets []*types.Preset
	err := scan(s, bucketPresets, nil, func(_ []byte, p *types.Preset) {
		presets = append(presets, p)
	})
	return presets, err
}

func (s *BoltStore) SavePreset(ctx context.Context, preset *types.Preset) error {
	return s.put(bucketPresets, []byte(preset.Name), preset)
}

// Provision operations
func (s *BoltStore) ListProvisions(ctx context.Context) ([]*types.Script, error) {
	var scripts []*types.Script
	err := scan(s, bucketProvisions, nil, func(_ []byte, p *types.Script) {
		scripts = append(scripts, p)
	})
	return scripts, err
}

func (s *BoltStore) SaveProvision(ctx context.Context, provision *types.Script) error {
	return s.put(bucketProvisions, []byte(provision.Name), provision)
}

// Virtual parameter operations
func (s *BoltStore) ListVirtualParameters(ctx context.Context) ([]*types.Script, error) {
	var scripts []*types.Script
	err := scan(s, bucketVirtualParameters, nil, func(_ []byte, p *types.Script) {
		scripts = append(scripts, p)
	})
	return scripts, err
}

func (s *BoltStore) SaveVirtualParameter(ctx context.Context, vp *types.Script) error {
	return s.put(bucketVirtualParameters, []byte(vp.Name), vp)
}

// File operations
func (s *BoltStore) ListFiles(ctx context.Context) ([]*types.File, error) {
	var files []*types.File
	err := scan(s, bucketFiles, nil, func(_ []byte, f *types.File) {
		files = append(files, f)
	})
	return files, err
}

func (s *BoltStore) SaveFile(ctx context.Context, file *types.File) error {
	return s.put(bucketFiles, []byte(file.ID), file)
}

// Config operations
func (s *BoltStore) ListConfig(ctx context.Context) ([]*types.ConfigEntry, error) {
	var entries []*types.ConfigEntry
	err := scan(s, bucketConfig, nil, func(_ []byte, e *types.ConfigEntry) {
		entries = append(entries, e)
	})
	return entries, err
}

func (s *BoltStore) SaveConfig(ctx context.Context, entry *types.ConfigEntry) error {
	return s.put(bucketConfig, []byte(entry.Key), entry)
}

// Cache operations
func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var entry cacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", err
	}
	if entry.expired(s.now()) {
		return "", ErrNotFound
	}
	return entry.Value, nil
}

func (s *BoltStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := cacheEntry{Value: value}
	if ttl > 0 {
		entry.Expire = s.now().Add(ttl).UnixMilli()
	}
	return s.put(bucketCache, []byte(key), &entry)
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.del(bucketCache, []byte(key))
}

func (s *BoltStore) Pop(ctx context.Context, key string) (string, error) {
	var entry cacheEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return "", err
	}
	if entry.expired(s.now()) {
		return "", ErrNotFound
	}
	return entry.Value, nil
}

// Set operations. A member is stored under set\x00member.
func setMemberKey(set, member string) []byte {
	return []byte(set + "\x00" + member)
}

func (s *BoltStore) SetAdd(ctx context.Context, set, member string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSets).Put(setMemberKey(set, member), []byte{})
	})
}

func (s *BoltStore) SetRemove(ctx context.Context, set, member string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSets).Delete(setMemberKey(set, member))
	})
}

func (s *BoltStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	prefix := setMemberKey(set, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSets).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			members = append(members, string(k[len(prefix):]))
		}
		return nil
	})
	return members, err
}

// Lock operations
func (s *BoltStore) UpsertLock(ctx context.Context, name, token string, expire time.Time) (time.Time, error) {
	var written time.Time
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := s.now()
		if data := b.Get([]byte(name)); data != nil {
			var cur cacheEntry
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			if cur.Value != token && !cur.expired(now) {
				return ErrLockConflict
			}
		}
		data, err := json.Marshal(&cacheEntry{Value: token, Expire: expire.UnixMilli()})
		if err != nil {
			return err
		}
		written = now
		return b.Put([]byte(name), data)
	})
	return written, err
}

func (s *BoltStore) DeleteLock(ctx context.Context, name, token string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var cur cacheEntry
		if err := json.Unmarshal(data, &cur); err != nil {
			return err
		}
		if cur.Value != token || cur.expired(s.now()) {
			return nil
		}
		deleted = true
		return b.Delete([]byte(name))
	})
	return deleted, err
}

// PurgeExpired removes expired cache and lock rows
func (s *BoltStore) PurgeExpired() (int, error) {
	purged := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCache, bucketLocks} {
			b := tx.Bucket(name)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e cacheEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if e.expired(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	return purged, err
}
