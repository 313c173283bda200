package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/logging"
)

// traceLogger forwards pgx trace events to zap. Query arguments are dropped
// and statements and errors are sanitized before they are logged.
type traceLogger struct {
	logger *zap.Logger
}

func newTraceLogger(logger *zap.Logger) *traceLogger {
	return &traceLogger{logger: logger.Named("pgx")}
}

func (l *traceLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	lvl := zapLevel(level)
	if !l.logger.Core().Enabled(lvl) {
		return
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := data[k].(type) {
		case nil:
		case error:
			fields = append(fields, zap.String(k, logging.SanitizeError(v)))
		default:
			switch k {
			case "args":
				// Values can carry credentials or personal data.
			case "sql":
				fields = append(fields, zap.String(k, logging.SanitizeQuery(fmt.Sprint(v))))
			case "connString":
				fields = append(fields, zap.String(k, logging.SanitizeConnectionString(fmt.Sprint(v))))
			default:
				fields = append(fields, zap.Any(k, v))
			}
		}
	}

	if ce := l.logger.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

func zapLevel(level tracelog.LogLevel) zapcore.Level {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return zapcore.DebugLevel
	case tracelog.LogLevelInfo:
		return zapcore.InfoLevel
	case tracelog.LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
