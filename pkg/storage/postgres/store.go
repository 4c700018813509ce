package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/types"

	// registers the "postgres" database/sql driver
	_ "github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements storage.Store on PostgreSQL so that many ACS processes
// share one durable state
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and applies pending migrations
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an open database handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer, what string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build %s query: %w", what, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// upsert inserts a row keyed by keyCols, replacing setCols on conflict
func upsert(table string, keyCols []string, cols []string, values ...any) sq.InsertBuilder {
	set := ""
	for i, c := range cols[len(keyCols):] {
		if i > 0 {
			set += ", "
		}
		set += c + " = EXCLUDED." + c
	}
	conflict := ""
	for i, c := range keyCols {
		if i > 0 {
			conflict += ", "
		}
		conflict += c
	}
	return psq.Insert(table).Columns(cols...).Values(values...).
		Suffix("ON CONFLICT (" + conflict + ") DO UPDATE SET " + set)
}

// queryJSON runs a select whose last column is a JSON document
func queryJSON[T any](ctx context.Context, s *Store, b sq.SelectBuilder, what string, fn func(key string, v *T)) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build %s query: %w", what, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("failed to scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s %s: %w", what, key, err)
		}
		fn(key, &v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return nil
}

// Device operations
func (s *Store) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	query, args, err := psq.Select("data").From("devices").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build device query: %w", err)
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device not found: %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	var device types.Device
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("failed to decode device %s: %w", id, err)
	}
	if device.Tree == nil {
		device.Tree = devicedata.New()
	}
	device.Tree.Init()
	return &device, nil
}

func (s *Store) SaveDevice(ctx context.Context, device *types.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return err
	}
	return s.exec(ctx, upsert("devices", []string{"id"}, []string{"id", "data"}, device.ID, data), "save device")
}

// Task operations
func (s *Store) ListTasks(ctx context.Context, deviceID string) ([]*types.Task, error) {
	var tasks []*types.Task
	b := psq.Select("id", "data").From("tasks").
		Where(sq.Eq{"device_id": deviceID}).
		OrderBy("timestamp", "id")
	err := queryJSON(ctx, s, b, "tasks", func(_ string, t *types.Task) {
		tasks = append(tasks, t)
	})
	return tasks, err
}

func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	b := upsert("tasks", []string{"device_id", "id"}, []string{"device_id", "id", "timestamp", "data"},
		task.Device, task.ID, task.Timestamp, data)
	return s.exec(ctx, b, "create task")
}

func (s *Store) DeleteTask(ctx context.Context, deviceID, id string) error {
	b := psq.Delete("tasks").Where(sq.Eq{"device_id": deviceID, "id": id})
	return s.exec(ctx, b, "delete task")
}

// Fault operations
func (s *Store) ListFaults(ctx context.Context, deviceID string) (map[string]*types.Fault, error) {
	faults := make(map[string]*types.Fault)
	b := psq.Select("channel", "data").From("faults").Where(sq.Eq{"device_id": deviceID})
	err := queryJSON(ctx, s, b, "faults", func(channel string, f *types.Fault) {
		faults[channel] = f
	})
	return faults, err
}

func (s *Store) SaveFault(ctx context.Context, deviceID, channel string, fault *types.Fault) error {
	data, err := json.Marshal(fault)
	if err != nil {
		return err
	}
	b := upsert("faults", []string{"device_id", "channel"}, []string{"device_id", "channel", "data"},
		deviceID, channel, data)
	return s.exec(ctx, b, "save fault")
}

func (s *Store) DeleteFault(ctx context.Context, deviceID, channel string) error {
	b := psq.Delete("faults").Where(sq.Eq{"device_id": deviceID, "channel": channel})
	return s.exec(ctx, b, "delete fault")
}

// Operation operations
func (s *Store) ListOperations(ctx context.Context, deviceID string) (map[string]*types.Operation, error) {
	ops := make(map[string]*types.Operation)
	b := psq.Select("command_key", "data").From("operations").Where(sq.Eq{"device_id": deviceID})
	err := queryJSON(ctx, s, b, "operations", func(key string, op *types.Operation) {
		ops[key] = op
	})
	return ops, err
}

func (s *Store) SaveOperation(ctx context.Context, deviceID, commandKey string, op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	b := upsert("operations", []string{"device_id", "command_key"}, []string{"device_id", "command_key", "data"},
		deviceID, commandKey, data)
	return s.exec(ctx, b, "save operation")
}

func (s *Store) DeleteOperation(ctx context.Context, deviceID, commandKey string) error {
	b := psq.Delete("operations").Where(sq.Eq{"device_id": deviceID, "command_key": commandKey})
	return s.exec(ctx, b, "delete operation")
}

// Preset operations
func (s *Store) ListPresets(ctx context.Context) ([]*types.Preset, error) {
	var presets []*types.Preset
	err := queryJSON(ctx, s, psq.Select("name", "data").From("presets").OrderBy("name"), "presets",
		func(_ string, p *types.Preset) { presets = append(presets, p) })
	return presets, err
}

func (s *Store) SavePreset(ctx context.Context, preset *types.Preset) error {
	data, err := json.Marshal(preset)
	if err != nil {
		return err
	}
	return s.exec(ctx, upsert("presets", []string{"name"}, []string{"name", "data"}, preset.Name, data), "save preset")
}

func (s *Store) listScripts(ctx context.Context, table string) ([]*types.Script, error) {
	query, args, err := psq.Select("name", "script").From(table).OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", table, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var scripts []*types.Script
	for rows.Next() {
		var sc types.Script
		if err := rows.Scan(&sc.Name, &sc.Script); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		scripts = append(scripts, &sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return scripts, nil
}

// Provision operations
func (s *Store) ListProvisions(ctx context.Context) ([]*types.Script, error) {
	return s.listScripts(ctx, "provisions")
}

func (s *Store) SaveProvision(ctx context.Context, provision *types.Script) error {
	b := upsert("provisions", []string{"name"}, []string{"name", "script"}, provision.Name, provision.Script)
	return s.exec(ctx, b, "save provision")
}

// Virtual parameter operations
func (s *Store) ListVirtualParameters(ctx context.Context) ([]*types.Script, error) {
	return s.listScripts(ctx, "virtual_parameters")
}

func (s *Store) SaveVirtualParameter(ctx context.Context, vp *types.Script) error {
	b := upsert("virtual_parameters", []string{"name"}, []string{"name", "script"}, vp.Name, vp.Script)
	return s.exec(ctx, b, "save virtual parameter")
}

// File operations
func (s *Store) ListFiles(ctx context.Context) ([]*types.File, error) {
	var files []*types.File
	err := queryJSON(ctx, s, psq.Select("id", "data").From("files").OrderBy("id"), "files",
		func(_ string, f *types.File) { files = append(files, f) })
	return files, err
}

func (s *Store) SaveFile(ctx context.Context, file *types.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return s.exec(ctx, upsert("files", []string{"id"}, []string{"id", "data"}, file.ID, data), "save file")
}

// Config operations
func (s *Store) ListConfig(ctx context.Context) ([]*types.ConfigEntry, error) {
	query, args, err := psq.Select("key", "value").From("config").OrderBy("key").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build config query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.ConfigEntry
	for rows.Next() {
		var e types.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate config: %w", err)
	}
	return entries, nil
}

func (s *Store) SaveConfig(ctx context.Context, entry *types.ConfigEntry) error {
	b := upsert("config", []string{"key"}, []string{"key", "value"}, entry.Key, entry.Value)
	return s.exec(ctx, b, "save config")
}
