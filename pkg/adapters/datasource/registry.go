package datasource

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
)

// AdapterInfo describes a registered driver adapter.
type AdapterInfo struct {
	Type        string `json:"type"`         // "postgres", "mssql"
	DisplayName string `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description"`
}

// Opener creates a driver pool for cfg. Pools are created lazily; the Handle
// built over them verifies liveness.
type Opener func(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (database.Pool, error)

// AdapterRegistration pairs an adapter's info with its pool opener and the
// template renderer matching the server's SQL dialect.
type AdapterRegistration struct {
	Info   AdapterInfo
	Open   Opener
	Format database.Formatter
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetOpener returns the pool opener for a database type, or nil if the type
// has no registered adapter.
func GetOpener(dbType string) Opener {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dbType]; ok {
		return reg.Open
	}
	return nil
}

// GetFormatter returns the template renderer for a database type, or nil if the
// adapter did not register one.
func GetFormatter(dbType string) database.Formatter {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dbType]; ok {
		return reg.Format
	}
	return nil
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dbType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dbType]
	return ok
}
