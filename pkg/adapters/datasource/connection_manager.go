package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes = 5
	DefaultCleanupInterval      = 1 * time.Minute
)

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	TTLMinutes      int
	CleanupInterval time.Duration
}

// ConnectionManager shares one driver pool per database target across every
// Handle opened for it. Pools are reference counted; a pool nobody references
// is closed once it has been idle for the TTL.
type ConnectionManager struct {
	mu              sync.RWMutex
	connections     map[string]*ManagedConnection // key: DatabaseConfig.PoolKey()
	ttl             time.Duration
	cleanupInterval time.Duration
	stopped         bool
	stopChan        chan struct{}
	clock           clock.Clock
	open            Opener // nil looks the adapter up in the registry
	logger          *zap.Logger
}

// ManagedConnection is a shared pool with its reference count.
type ManagedConnection struct {
	pool     database.Pool
	dbType   string
	refs     int
	lastUsed time.Time
	mu       sync.Mutex
}

// NewConnectionManager creates a connection manager with the given configuration.
// Starts a background cleanup goroutine that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	return newConnectionManager(cfg, logger, clock.New(), nil)
}

func newConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger, clk clock.Clock, open Opener) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &ConnectionManager{
		connections:     make(map[string]*ManagedConnection),
		ttl:             time.Duration(cfg.TTLMinutes) * time.Minute,
		cleanupInterval: cfg.CleanupInterval,
		stopChan:        make(chan struct{}),
		clock:           clk,
		open:            open,
		logger:          logger.Named("connection-manager"),
	}

	go manager.cleanupExpiredConnections()
	return manager
}

// Acquire returns the shared pool for cfg, creating it on first use, and takes
// a reference on it. Every Acquire must be paired with a Release.
func (m *ConnectionManager) Acquire(ctx context.Context, cfg *config.DatabaseConfig) (database.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", apperrors.ErrInvalidConfig)
	}
	key := cfg.PoolKey()

	// Fast path: the read lock keeps cleanup from closing the pool before the
	// reference is taken.
	m.mu.RLock()
	if managed, exists := m.connections[key]; exists {
		managed.mu.Lock()
		managed.refs++
		managed.lastUsed = m.clock.Now()
		managed.mu.Unlock()
		m.mu.RUnlock()
		return managed.pool, nil
	}
	m.mu.RUnlock()

	return m.createNewPool(ctx, key, cfg)
}

// createNewPool creates a new pool with retry logic.
// Caller must NOT hold any locks (this method acquires write lock).
func (m *ConnectionManager) createNewPool(ctx context.Context, key string, cfg *config.DatabaseConfig) (database.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	// Double-check after acquiring write lock (another goroutine may have created it)
	if managed, exists := m.connections[key]; exists && managed != nil {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.refs++
		managed.lastUsed = m.clock.Now()
		return managed.pool, nil
	}

	open := m.open
	if open == nil {
		open = GetOpener(cfg.Type)
	}
	if open == nil {
		return nil, fmt.Errorf("%w: %s (no adapter registered)", apperrors.ErrUnsupportedDriver, cfg.Type)
	}

	// Create pool with retry logic for transient failures
	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (database.Pool, error) {
		return open(ctx, cfg, m.logger)
	})
	if err != nil {
		m.logger.Error("failed to create pool after retries",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to create pool for %s: %w", key, err)
	}

	m.connections[key] = &ManagedConnection{
		pool:     pool,
		dbType:   cfg.Type,
		refs:     1,
		lastUsed: m.clock.Now(),
	}

	m.logger.Info("created new connection pool",
		zap.String("key", key),
		zap.String("type", cfg.Type),
		zap.Int("totalPools", len(m.connections)),
	)

	return pool, nil
}

// Release drops one reference on the pool for key. The pool stays open until
// the cleanup loop finds it unreferenced and idle past the TTL.
func (m *ConnectionManager) Release(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, exists := m.connections[key]
	if !exists {
		return fmt.Errorf("no pool registered for %s", key)
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()
	if managed.refs > 0 {
		managed.refs--
	}
	managed.lastUsed = m.clock.Now()

	m.logger.Debug("released pool reference",
		zap.String("key", key),
		zap.Int("refs", managed.refs),
	)
	return nil
}

// cleanupExpiredConnections runs periodically to remove expired pools.
// Runs in a background goroutine until stopChan is closed.
func (m *ConnectionManager) cleanupExpiredConnections() {
	ticker := m.clock.Ticker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes pools that are unreferenced and idle past the TTL.
// Uses lock ordering: manager lock → connection lock to prevent deadlocks.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := m.clock.Now()
	expiredKeys := []string{}

	for key, managed := range m.connections {
		managed.mu.Lock()
		idleTime := now.Sub(managed.lastUsed)
		expired := managed.refs == 0 && idleTime > m.ttl
		managed.mu.Unlock()

		if expired {
			expiredKeys = append(expiredKeys, key)
			m.logger.Debug("marking pool for cleanup",
				zap.String("key", key),
				zap.Duration("idleTime", idleTime),
				zap.Duration("ttl", m.ttl),
			)
		}
	}

	for _, key := range expiredKeys {
		if err := m.connections[key].pool.Close(); err != nil {
			m.logger.Warn("failed to close expired pool",
				zap.String("key", key),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
		delete(m.connections, key)
	}

	if len(expiredKeys) > 0 {
		m.logger.Info("cleaned up expired pools",
			zap.Int("count", len(expiredKeys)),
			zap.Int("remaining", len(m.connections)),
		)
	}
}

// Close closes all pools and stops the cleanup goroutine.
// This method is idempotent and safe to call multiple times.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}

	m.stopped = true
	close(m.stopChan)

	var err error
	for key, managed := range m.connections {
		if closeErr := managed.pool.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close pool %s: %w", key, closeErr))
		}
	}

	m.connections = make(map[string]*ManagedConnection)
	m.logger.Info("connection manager closed")
	return err
}

// GetStats returns statistics about the connection manager.
// Safe to call concurrently.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	stats := ConnectionStats{
		TotalPools:  len(m.connections),
		TTLMinutes:  int(m.ttl.Minutes()),
		PoolsByType: make(map[string]int),
	}

	for _, managed := range m.connections {
		stats.PoolsByType[managed.dbType]++

		managed.mu.Lock()
		stats.ActiveReferences += managed.refs
		idleSeconds := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()

		if idleSeconds > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idleSeconds
		}
	}

	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalPools        int            `json:"total_pools"`
	ActiveReferences  int            `json:"active_references"`
	TTLMinutes        int            `json:"ttl_minutes"`
	PoolsByType       map[string]int `json:"pools_by_type"`
	OldestIdleSeconds int            `json:"oldest_idle_seconds"`
}
