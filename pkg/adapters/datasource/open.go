package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
)

// Open returns an unverified pool-backed Handle for cfg over the manager's
// shared pool. Closing the handle releases its reference on the pool.
// FormatQuery renders with the adapter's dialect unless opts set a formatter.
func Open(ctx context.Context, cfg *config.DatabaseConfig, mgr *ConnectionManager, logger *zap.Logger, opts ...database.Option) (*database.Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("open database: %w: config is nil", apperrors.ErrInvalidConfig)
	}
	if mgr == nil {
		return nil, fmt.Errorf("open database: connection manager is nil")
	}

	pool, err := mgr.Acquire(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	key := cfg.PoolKey()
	if format := GetFormatter(cfg.Type); format != nil {
		opts = append([]database.Option{database.WithFormatter(format)}, opts...)
	}
	opts = append(opts, database.WithOnClose(func() error {
		return mgr.Release(key)
	}))

	h, err := database.New(cfg, pool, logger, opts...)
	if err != nil {
		_ = mgr.Release(key)
		return nil, err
	}
	return h, nil
}
