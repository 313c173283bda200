// Package database provides Handle, a guarded access layer over a connection
// pool. A Handle only runs queries against a verified connection, reconnects
// after outages and can delay queries out of the seconds around each minute
// boundary.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
	sqlformat "github.com/ekaya-inc/ekaya-dbguard/pkg/sql"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/throttle"
)

// connection is either a shared pool or one dedicated client.
type connection interface {
	querier() Querier
}

type poolConnection struct {
	pool Pool
}

func (c *poolConnection) querier() Querier { return c.pool }

// clientConnection is not owned by the Handle wrapping it; whoever acquired
// the client releases it.
type clientConnection struct {
	client Client
}

func (c *clientConnection) querier() Querier { return c.client }

// Handle guards query execution against one database target.
// A Handle is safe for concurrent use.
type Handle struct {
	name     string
	database string
	conn     connection
	status   atomic.Bool
	logger   *zap.Logger

	throttle  *throttle.Throttle
	reconnect *retry.Config
	format    Formatter
	boundary  int

	connecting singleflight.Group
	probeMu    sync.Mutex
	waiters    int
	stopProbe  context.CancelFunc

	closed    atomic.Bool
	onClose   func() error
	closeOnce sync.Once
	closeErr  error
}

// New creates an unverified pool-backed Handle. Call Connect before use, or let
// the first query connect lazily.
func New(cfg *config.DatabaseConfig, pool Pool, logger *zap.Logger, opts ...Option) (*Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", apperrors.ErrInvalidConfig)
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: pool is nil", apperrors.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Database
	}

	h := &Handle{
		name:      name,
		database:  pool.Database(),
		conn:      &poolConnection{pool: pool},
		logger:    logger.Named("database").With(zap.String("handle", name)),
		throttle:  throttle.New(nil),
		reconnect: retry.ReconnectConfig(),
		format:    sqlformat.Format,
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := throttle.Validate(h.boundary); err != nil {
		return nil, err
	}

	return h, nil
}

// Name returns the label used in log lines.
func (h *Handle) Name() string { return h.name }

// Database returns the database name configured on the underlying pool.
func (h *Handle) Database() string { return h.database }

// Verified reports whether the last liveness probe succeeded.
func (h *Handle) Verified() bool { return h.status.Load() }

// IsPool reports whether the handle is backed by the shared pool rather than a
// dedicated client.
func (h *Handle) IsPool() bool {
	_, ok := h.conn.(*poolConnection)
	return ok
}

// Connect verifies the pool is reachable. While the database is down it keeps
// probing with capped exponential backoff and only returns early if ctx ends
// or the handle is closed. Connect on a verified or dedicated handle does nothing.
//
// Concurrent callers share one probe loop. The loop is not bound to any single
// caller's context; it stops once every waiting caller has gone.
func (h *Handle) Connect(ctx context.Context) error {
	pc, ok := h.conn.(*poolConnection)
	if !ok {
		return nil
	}

	for {
		if h.closed.Load() {
			return apperrors.ErrHandleClosed
		}
		if h.status.Load() {
			h.logger.Info("Second connection attempt ignored, handle already verified")
			return nil
		}

		err := h.joinProbe(ctx, pc.pool)
		switch {
		case err == nil:
			return nil
		case h.closed.Load():
			return apperrors.ErrHandleClosed
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.Canceled):
			// The shared loop was stopped after its last waiter left just as
			// this caller joined. Start a fresh one.
			continue
		default:
			return err
		}
	}
}

// joinProbe waits on the shared probe loop, starting it if none is running.
func (h *Handle) joinProbe(ctx context.Context, pool Pool) error {
	h.probeMu.Lock()
	h.waiters++
	h.probeMu.Unlock()
	defer h.leaveProbe()

	ch := h.connecting.DoChan("connect", func() (any, error) {
		if h.status.Load() {
			return nil, nil
		}

		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		h.probeMu.Lock()
		h.stopProbe = cancel
		stop := h.waiters == 0 || h.closed.Load()
		h.probeMu.Unlock()
		if stop {
			cancel()
		}

		defer func() {
			h.probeMu.Lock()
			h.stopProbe = nil
			h.probeMu.Unlock()
			cancel()
		}()
		return nil, h.probeUntilLive(loopCtx, pool)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) leaveProbe() {
	h.probeMu.Lock()
	defer h.probeMu.Unlock()
	h.waiters--
	if h.waiters == 0 && h.stopProbe != nil {
		h.stopProbe()
	}
}

func (h *Handle) probeUntilLive(ctx context.Context, pool Pool) error {
	cfg := *h.reconnect
	cfg.MaxRetries = retry.Unlimited
	cfg.OnRetry = func(attempt int, _ error, wait time.Duration) {
		h.logger.Info("Retrying database connection",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))
	}

	serverTime, err := retry.DoWithResult(ctx, &cfg, func() (time.Time, error) {
		now, err := pool.Probe(ctx)
		if err != nil {
			h.status.Store(false)
			h.logger.Error("Database connection probe failed",
				zap.String("database", h.database),
				zap.String("error", logging.SanitizeError(err)))
			return time.Time{}, fmt.Errorf("%w: %w", apperrors.ErrConnectionProbeFailed, err)
		}
		return now, nil
	})
	if err != nil {
		return err
	}

	h.status.Store(true)
	h.logger.Info("Connected to database",
		zap.String("database", h.database),
		zap.Time("serverTime", serverTime))
	return nil
}

// Query runs sql on the handle's connection, connecting first if needed.
// Failures are returned as *apperrors.QueryError and are never retried.
func (h *Handle) Query(ctx context.Context, sql string, opts ...QueryOption) (*Result, error) {
	if h.closed.Load() {
		return nil, apperrors.ErrHandleClosed
	}
	if sql == "" {
		return nil, apperrors.ErrEmptyQuery
	}
	return h.execute(ctx, sql, opts)
}

// FormatQuery renders template with params and runs the result like Query.
func (h *Handle) FormatQuery(ctx context.Context, template string, params []any, opts ...QueryOption) (*Result, error) {
	if h.closed.Load() {
		return nil, apperrors.ErrHandleClosed
	}
	if template == "" || len(params) == 0 {
		return nil, apperrors.ErrEmptyFormatArgs
	}

	sql, err := h.format(template, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to format query: %w", err)
	}
	return h.execute(ctx, sql, opts)
}

func (h *Handle) execute(ctx context.Context, sql string, opts []QueryOption) (*Result, error) {
	qo := queryOptions{boundary: h.boundary}
	for _, opt := range opts {
		opt(&qo)
	}

	if err := h.throttle.Wait(ctx, qo.boundary); err != nil {
		return nil, err
	}

	if !h.status.Load() {
		if err := h.Connect(ctx); err != nil {
			return nil, err
		}
	}

	h.logger.Debug("Executing query", zap.String("sql", logging.SanitizeQuery(sql)))

	result, err := h.conn.querier().Query(ctx, sql)
	if err != nil {
		qerr := apperrors.NewQueryError(h.name, sql, err)
		h.logger.Error("Query failed",
			zap.String("sql", logging.SanitizeQuery(sql)),
			zap.String("error", logging.SanitizeError(err)),
			zap.String("stack", fmt.Sprintf("%+v", qerr.StackTrace())))

		// The next call re-probes instead of hitting a dead pool.
		if h.IsPool() && retry.IsRetryable(err) {
			h.status.Store(false)
		}
		return nil, qerr
	}

	return result, nil
}

// Close releases the pool. A handle created with WithOnClose runs the hook
// instead. Any running probe loop stops and later calls fail with
// apperrors.ErrHandleClosed. Closing a dedicated handle does nothing.
func (h *Handle) Close() error {
	pc, ok := h.conn.(*poolConnection)
	if !ok {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.status.Store(false)

		h.probeMu.Lock()
		if h.stopProbe != nil {
			h.stopProbe()
		}
		h.probeMu.Unlock()

		if h.onClose != nil {
			h.closeErr = h.onClose()
		} else {
			h.closeErr = pc.pool.Close()
		}
		if h.closeErr != nil {
			h.logger.Warn("Failed to close database pool", zap.String("error", logging.SanitizeError(h.closeErr)))
		}
	})
	return h.closeErr
}
