package mssql

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
	sqlformat "github.com/ekaya-inc/ekaya-dbguard/pkg/sql"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        config.TypeMSSQL,
			DisplayName: "Microsoft SQL Server",
			Description: "SQL Server 2019+ and Azure SQL Database with SQL authentication",
		},
		Open: func(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (database.Pool, error) {
			return NewPool(ctx, cfg, logger)
		},
		Format: sqlformat.FormatSQLServer,
	})
}
