package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/acs/pkg/cwmp"
	"github.com/cuemby/acs/pkg/events"
	"github.com/cuemby/acs/pkg/extension"
	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/reconciler"
	"github.com/cuemby/acs/pkg/sandbox"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/storage/postgres"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Config holds process configuration for an ACS node
type Config struct {
	ListenAddr           string        `yaml:"listen"`
	MetricsAddr          string        `yaml:"metricsListen"`
	DataDir              string        `yaml:"dataDir"`
	RedisAddr            string        `yaml:"redisAddr"`
	PostgresDSN          string        `yaml:"postgresDsn"`
	ExtensionsDir        string        `yaml:"extensionsDir"`
	ExtensionTimeout     time.Duration `yaml:"extensionTimeout"`
	ScriptTimeout        time.Duration `yaml:"scriptTimeout"`
	MaxSessionsPerSecond float64       `yaml:"maxSessionsPerSecond"`
	LogLevel             string        `yaml:"logLevel"`
	LogJSON              bool          `yaml:"logJson"`
}

// DefaultConfig returns the configuration of a single-node deployment
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":7547",
		MetricsAddr:      ":9100",
		DataDir:          "./acs-data",
		ExtensionsDir:    "./extensions",
		ExtensionTimeout: extension.DefaultTimeout,
		ScriptTimeout:    sandbox.DefaultTimeout,
		LogLevel:         "info",
	}
}

// LoadConfig reads a YAML file over the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Stores are the storage backends selected by a Config
type Stores struct {
	Durable storage.Store
	Cache   storage.Cache
	Locks   storage.LockStore

	// bolt is set when the embedded store holds the cache and lock rows
	bolt    *storage.BoltStore
	closers []func() error
}

// OpenStores opens the durable store (postgres or bolt) and the shared
// cache and lock rows (redis or bolt)
func OpenStores(ctx context.Context, cfg *Config) (*Stores, error) {
	s := &Stores{}
	needBolt := cfg.PostgresDSN == "" || cfg.RedisAddr == ""

	var bolt *storage.BoltStore
	if needBolt {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		var err error
		bolt, err = storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		s.closers = append(s.closers, bolt.Close)
	}

	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Durable = pg
		s.closers = append(s.closers, pg.Close)
	} else {
		s.Durable = bolt
	}

	if cfg.RedisAddr != "" {
		rs, err := storage.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Cache, s.Locks = rs, rs
		s.closers = append(s.closers, rs.Close)
	} else {
		s.Cache, s.Locks = bolt, bolt
		s.bolt = bolt
	}
	return s, nil
}

// Close closes every backend, last opened first
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Manager wires the ACS components of one process
type Manager struct {
	cfg    *Config
	stores *Stores
	logger zerolog.Logger

	locks      *lock.Manager
	snapshots  *localcache.Cache
	extensions *extension.Runner
	broker     *events.Broker
	collector  *metrics.Collector
	engine     *cwmp.Engine
	server     *cwmp.Server
	reconciler *reconciler.Reconciler
	sampler    *MetricsCollector
	started    bool
}

// NewManager creates a new Manager instance
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	locks := lock.NewManager(stores.Locks)
	snapshots := localcache.New(stores.Durable, stores.Cache, locks)
	runner := extension.NewRunner(cfg.ExtensionsDir, cfg.ExtensionTimeout)
	sb := sandbox.New(runner, sandbox.WithTimeout(cfg.ScriptTimeout))

	broker := events.NewBroker()
	broker.Start()

	engine := cwmp.NewEngine(cwmp.Deps{
		Store:      stores.Durable,
		Cache:      stores.Cache,
		Locks:      locks,
		Snapshots:  snapshots,
		Sandbox:    sb,
		Extensions: runner,
		Broker:     broker,
	})

	var recOpts []reconciler.Option
	if stores.bolt != nil {
		recOpts = append(recOpts, reconciler.WithPurger(stores.bolt))
	}

	m := &Manager{
		cfg:        cfg,
		stores:     stores,
		logger:     log.WithComponent("manager"),
		locks:      locks,
		snapshots:  snapshots,
		extensions: runner,
		broker:     broker,
		collector:  metrics.NewCollector(broker),
		engine:     engine,
		server:     cwmp.NewServer(engine, cwmp.WithRateLimit(cfg.MaxSessionsPerSecond, int(cfg.MaxSessionsPerSecond)+1)),
		reconciler: reconciler.NewReconciler(engine, snapshots, recOpts...),
	}
	m.sampler = NewMetricsCollector(m)
	return m, nil
}

// Engine returns the session engine
func (m *Manager) Engine() *cwmp.Engine {
	return m.engine
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.broker
}

// Run serves CPEs and the metrics endpoint until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.snapshots.Revision(ctx); err != nil {
		return fmt.Errorf("failed to load configuration snapshot: %w", err)
	}

	m.registerProbes()
	metrics.RegisterComponent("cwmp", false, "starting")
	m.collector.Start()
	m.sampler.Start()
	m.reconciler.Start()
	m.started = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.UpdateComponent("cwmp", true, "serving")
		err := m.server.Start(gctx, m.cfg.ListenAddr)
		metrics.UpdateComponent("cwmp", false, "stopped")
		return err
	})
	if m.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return m.serveMetrics(gctx)
		})
	}

	m.logger.Info().
		Str("listen", m.cfg.ListenAddr).
		Str("metrics", m.cfg.MetricsAddr).
		Msg("ACS started")
	return g.Wait()
}

// registerProbes lets the health endpoints check the backends on demand
func (m *Manager) registerProbes() {
	metrics.RegisterProbe("store", func(ctx context.Context) error {
		_, err := m.stores.Durable.ListConfig(ctx)
		return err
	})
	metrics.RegisterProbe("cache", func(ctx context.Context) error {
		_, err := m.stores.Cache.Get(ctx, localcache.HashKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (m *Manager) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: m.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Shutdown stops background work and closes the stores
func (m *Manager) Shutdown() error {
	if m.started {
		m.reconciler.Stop()
		m.sampler.Stop()
		m.collector.Stop()
	}
	m.broker.Stop()

	if err := m.stores.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
