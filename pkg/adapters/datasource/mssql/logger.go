package mssql

import (
	"context"
	"errors"
	"sync"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/logging"
)

// driverLogFlags selects which driver events reach the context logger.
const driverLogFlags = msdsn.LogErrors | msdsn.LogRetries

var driverLoggerOnce sync.Once

// installDriverLogger points go-mssqldb's process-wide logger at zap. The
// driver supports a single logger, so the first pool's logger wins.
func installDriverLogger(logger *zap.Logger) {
	driverLoggerOnce.Do(func() {
		mssql.SetContextLogger(&driverLogger{logger: logger.Named("mssql-driver")})
	})
}

type driverLogger struct {
	logger *zap.Logger
}

func (l *driverLogger) Log(ctx context.Context, category msdsn.Log, msg string) {
	// Driver messages may quote the connection string.
	sanitized := logging.SanitizeError(errors.New(msg))
	if category&msdsn.LogErrors != 0 {
		l.logger.Warn("Driver error", zap.String("message", sanitized))
		return
	}
	l.logger.Debug("Driver event", zap.String("message", sanitized), zap.Uint64("category", uint64(category)))
}
