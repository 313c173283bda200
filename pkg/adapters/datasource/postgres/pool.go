// Package postgres registers the PostgreSQL driver adapter, a pgx connection
// pool exposed as a database.Pool.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
)

const probeSQL = "SELECT now()"

// Pool adapts a pgxpool.Pool to database.Pool.
type Pool struct {
	pool     *pgxpool.Pool
	database string
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so passwords containing @, /, # or ?
// survive URL parsing. Loopback hosts resolve to the Docker host gateway when
// running in a container.
func buildConnectionString(cfg *config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPostgresPort
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		config.ResolveHostForDocker(cfg.Host),
		port,
		url.QueryEscape(cfg.Database),
		url.QueryEscape(sslMode),
	)
}

// poolConfig parses the connection string and applies the sizing settings.
// Connection-level errors reported by pgx go to logger through the tracer.
func poolConfig(cfg *config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(buildConnectionString(cfg))
	if err != nil {
		// The parse error echoes the URL; never wrap it.
		return nil, fmt.Errorf("failed to parse postgres connection settings for %s", cfg.Identity())
	}

	if cfg.MaxConnections > 0 {
		pgxCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		pgxCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		pgxCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pgxCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		pgxCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pgxCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   newTraceLogger(logger),
		LogLevel: tracelog.LogLevelWarn,
	}

	return pgxCfg, nil
}

// NewPool creates the pgx pool for cfg. Connections are established lazily, so
// an unreachable server is not an error here; the Handle's probe finds it.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres")

	pgxCfg, err := poolConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	logger.Debug("Created pgx pool",
		zap.String("target", cfg.Identity()),
		zap.Int32("maxConns", pgxCfg.MaxConns),
	)

	return &Pool{pool: pool, database: pgxCfg.ConnConfig.Database}, nil
}

// Query runs sql on any pooled connection.
func (p *Pool) Query(ctx context.Context, sql string) (*database.Result, error) {
	return collect(ctx, p.pool, sql)
}

// Acquire checks out one connection for exclusive use.
func (p *Pool) Acquire(ctx context.Context) (database.Client, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Probe returns the server clock.
func (p *Pool) Probe(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := p.pool.QueryRow(ctx, probeSQL).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (p *Pool) Database() string { return p.database }

// Close waits for checked-out connections to be released, then closes the pool.
func (p *Pool) Close() error {
	p.pool.Close()
	return nil
}

// Client is a connection checked out of the pool.
type Client struct {
	conn *pgxpool.Conn
}

func (c *Client) Query(ctx context.Context, sql string) (*database.Result, error) {
	return collect(ctx, c.conn, sql)
}

func (c *Client) Release() { c.conn.Release() }

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// collect runs sql and reads every row. Statements without a result set still
// have to be drained for pgx to report the command tag and any error.
func collect(ctx context.Context, q queryer, sql string) (*database.Result, error) {
	// QueryExecModeSimpleProtocol allows multi-statement text with no parameters.
	rows, err := q.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	result := &database.Result{
		Columns: make([]string, len(fieldDescs)),
		Rows:    make([][]any, 0),
	}
	for i, fd := range fieldDescs {
		result.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	tag := rows.CommandTag()
	result.CommandTag = tag.String()
	result.RowsAffected = tag.RowsAffected()

	return result, nil
}

var (
	_ database.Pool   = (*Pool)(nil)
	_ database.Client = (*Client)(nil)
)
