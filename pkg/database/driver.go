package database

import (
	"context"
	"time"
)

// Querier executes a single SQL statement.
type Querier interface {
	Query(ctx context.Context, sql string) (*Result, error)
}

// Client is a single connection checked out of a Pool.
// Release returns it to the pool and must be called exactly once.
type Client interface {
	Querier
	Release()
}

// Pool is the driver capability a Handle is built over.
type Pool interface {
	Querier

	// Acquire checks out a dedicated client.
	Acquire(ctx context.Context) (Client, error)

	// Probe runs a cheap read-only round trip and returns the server clock.
	Probe(ctx context.Context) (time.Time, error)

	// Database returns the configured database name.
	Database() string

	Close() error
}

// Result is the driver-neutral outcome of a statement.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"` // 0 when the driver does not report it (SQL Server)
	CommandTag   string   `json:"command_tag,omitempty"`
}
