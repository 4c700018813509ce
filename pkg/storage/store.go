package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/acs/pkg/types"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("not found")

	// ErrLockConflict is returned when a lock row is held by another token
	ErrLockConflict = errors.New("lock held by another owner")
)

// Store defines the interface for durable ACS state
type Store interface {
	// Devices
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	SaveDevice(ctx context.Context, device *types.Device) error

	// Tasks
	ListTasks(ctx context.Context, deviceID string) ([]*types.Task, error)
	CreateTask(ctx context.Context, task *types.Task) error
	DeleteTask(ctx context.Context, deviceID, id string) error

	// Faults keyed by deviceID:channel
	ListFaults(ctx context.Context, deviceID string) (map[string]*types.Fault, error)
	SaveFault(ctx context.Context, deviceID, channel string, fault *types.Fault) error
	DeleteFault(ctx context.Context, deviceID, channel string) error

	// Operations keyed by deviceID:commandKey
	ListOperations(ctx context.Context, deviceID string) (map[string]*types.Operation, error)
	SaveOperation(ctx context.Context, deviceID, commandKey string, op *types.Operation) error
	DeleteOperation(ctx context.Context, deviceID, commandKey string) error

	// Cluster configuration
	ListPresets(ctx context.Context) ([]*types.Preset, error)
	SavePreset(ctx context.Context, preset *types.Preset) error
	ListProvisions(ctx context.Context) ([]*types.Script, error)
	SaveProvision(ctx context.Context, provision *types.Script) error
	ListVirtualParameters(ctx context.Context) ([]*types.Script, error)
	SaveVirtualParameter(ctx context.Context, vp *types.Script) error
	ListFiles(ctx context.Context) ([]*types.File, error)
	SaveFile(ctx context.Context, file *types.File) error
	ListConfig(ctx context.Context) ([]*types.ConfigEntry, error)
	SaveConfig(ctx context.Context, entry *types.ConfigEntry) error

	// Utility
	Close() error
}

// Cache is a shared key/value store with expiry
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; a zero ttl never expires
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Pop returns and deletes value atomically
	Pop(ctx context.Context, key string) (string, error)

	// Named sets of members that never expire
	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	SetMembers(ctx context.Context, set string) ([]string, error)
}

// LockStore holds lock rows with atomic conditional upsert
type LockStore interface {
	// UpsertLock writes the row unless another unexpired token holds it, and
	// returns the store's clock at the time of the write
	UpsertLock(ctx context.Context, name, token string, expire time.Time) (time.Time, error)
	// DeleteLock deletes the row if token matches
	DeleteLock(ctx context.Context, name, token string) (bool, error)
}

// SharedStore is a Cache that also holds lock rows
type SharedStore interface {
	Cache
	LockStore
	Close() error
}

// deviceKey builds the composite key deviceID:suffix
func deviceKey(deviceID, suffix string) []byte {
	return []byte(deviceID + ":" + suffix)
}

// devicePrefix is the key prefix of all rows of one device
func devicePrefix(deviceID string) []byte {
	return []byte(deviceID + ":")
}
