// Package mssql registers the SQL Server driver adapter, a database/sql pool
// over go-mssqldb exposed as a database.Pool.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
)

const probeSQL = "SELECT SYSDATETIMEOFFSET()"

// Pool adapts a *sql.DB on the sqlserver driver to database.Pool.
type Pool struct {
	db       *sql.DB
	database string
}

// buildConnectionString builds a sqlserver:// URL for SQL authentication.
func buildConnectionString(cfg *config.DatabaseConfig) string {
	query := url.Values{}
	query.Add("database", cfg.Database)
	query.Add("app name", "dbguard")

	encrypt, trust := encryptSettings(cfg.SSLMode)
	query.Add("encrypt", encrypt)
	if trust {
		query.Add("TrustServerCertificate", "true")
	}

	if cfg.ConnectTimeout > 0 {
		seconds := int(cfg.ConnectTimeout.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		query.Add("connection timeout", strconv.Itoa(seconds))
	}

	// Route driver errors and retries to the context logger.
	query.Add("log", strconv.Itoa(int(driverLogFlags)))

	port := cfg.Port
	if port == 0 {
		port = config.DefaultMSSQLPort
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		config.ResolveHostForDocker(cfg.Host),
		port,
		query.Encode(),
	)
}

// NewPool opens the sql.DB for cfg. database/sql dials lazily, so nothing
// touches the network until the first probe.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	installDriverLogger(logger)

	db, err := sql.Open("sqlserver", buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlserver pool for %s", cfg.Identity())
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConnections))
		db.SetMaxIdleConns(int(cfg.MaxConnections))
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
	if cfg.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	}

	logger.Named("mssql").Debug("Created sqlserver pool",
		zap.String("target", cfg.Identity()),
		zap.Int32("maxConns", cfg.MaxConnections),
	)

	return &Pool{db: db, database: cfg.Database}, nil
}

func (p *Pool) Query(ctx context.Context, query string) (*database.Result, error) {
	return collect(ctx, p.db, query)
}

// Acquire pins one physical connection until Release.
func (p *Pool) Acquire(ctx context.Context) (database.Client, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Probe returns the server clock.
func (p *Pool) Probe(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := p.db.QueryRowContext(ctx, probeSQL).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (p *Pool) Database() string { return p.database }

func (p *Pool) Close() error { return p.db.Close() }

// Client is a pinned connection from the pool.
type Client struct {
	conn *sql.Conn
}

func (c *Client) Query(ctx context.Context, query string) (*database.Result, error) {
	return collect(ctx, c.conn, query)
}

// Release returns the connection to the pool.
func (c *Client) Release() { _ = c.conn.Close() }

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// collect reads the first result set and drains any others so batch errors
// surface. database/sql reports no affected-row count for queries, so
// RowsAffected stays 0.
func collect(ctx context.Context, q queryer, query string) (*database.Result, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	result := &database.Result{
		Columns: columnNames,
		Rows:    make([][]any, 0),
	}

	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for i, val := range values {
			if b, ok := val.([]byte); ok && isStringType(columnTypes[i].DatabaseTypeName()) {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}

	for rows.NextResultSet() {
		for rows.Next() {
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

var (
	_ database.Pool   = (*Pool)(nil)
	_ database.Client = (*Client)(nil)
)
