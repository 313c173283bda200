package datasource

import (
	"context"
	"testing"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
	sqlformat "github.com/ekaya-inc/ekaya-dbguard/pkg/sql"
)

func TestOpen_SharesPoolAndReleasesOnClose(t *testing.T) {
	opener := &countingOpener{}
	cm, _ := newTestManager(t, opener.open)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	cfg := dbConfig("stats")

	h1, err := Open(ctx, cfg, cm, logger)
	require.NoError(t, err)
	h2, err := Open(ctx, cfg, cm, logger)
	require.NoError(t, err)

	assert.True(t, h1.IsPool())
	assert.Equal(t, "stats", h1.Database())
	assert.Equal(t, 1, opener.count())
	assert.Equal(t, 2, cm.GetStats().ActiveReferences)

	require.NoError(t, h1.Close())
	require.NoError(t, h1.Close())
	assert.Equal(t, 1, cm.GetStats().ActiveReferences, "double close releases once")

	require.NoError(t, h2.Close())
	assert.Equal(t, 0, cm.GetStats().ActiveReferences)
	assert.Equal(t, int32(0), opener.opened[0].closed.Load(), "shared pool outlives its handles until cleanup")
}

func TestOpen_ConnectAndQuery(t *testing.T) {
	cm, _ := newTestManager(t, (&countingOpener{}).open)
	ctx := context.Background()

	h, err := Open(ctx, dbConfig("stats"), cm, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Connect(ctx))
	result, err := h.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.CommandTag)
}

func TestOpen_InvalidBoundaryReleasesReference(t *testing.T) {
	cm, _ := newTestManager(t, (&countingOpener{}).open)

	_, err := Open(context.Background(), dbConfig("stats"), cm, zaptest.NewLogger(t), database.WithDefaultBoundary(45))
	assert.ErrorIs(t, err, apperrors.ErrInvalidBoundary)
	assert.Equal(t, 0, cm.GetStats().ActiveReferences)
}

func TestOpen_Errors(t *testing.T) {
	cm, _ := newTestManager(t, (&countingOpener{}).open)

	_, err := Open(context.Background(), nil, cm, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = Open(context.Background(), dbConfig("stats"), nil, nil)
	assert.Error(t, err)
}

func TestOpen_UsesAdapterFormatter(t *testing.T) {
	pool := &fakePool{name: "stats"}
	withRegistry(t, AdapterRegistration{
		Info: AdapterInfo{Type: config.TypeMSSQL},
		Open: func(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (database.Pool, error) {
			return pool, nil
		},
		Format: sqlformat.FormatSQLServer,
	})
	cm := newConnectionManager(ConnectionManagerConfig{}, zaptest.NewLogger(t), clock.NewMock(), nil)
	t.Cleanup(func() { _ = cm.Close() })
	ctx := context.Background()

	cfg := dbConfig("stats")
	cfg.Type = config.TypeMSSQL
	h, err := Open(ctx, cfg, cm, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.FormatQuery(ctx, "SELECT * FROM %I WHERE active = %L", []any{"users", true})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM [users] WHERE active = 1", pool.lastQuery())
}

func TestOpen_CallerFormatterWins(t *testing.T) {
	pool := &fakePool{name: "stats"}
	withRegistry(t, AdapterRegistration{
		Info: AdapterInfo{Type: config.TypeMSSQL},
		Open: func(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (database.Pool, error) {
			return pool, nil
		},
		Format: sqlformat.FormatSQLServer,
	})
	cm := newConnectionManager(ConnectionManagerConfig{}, zaptest.NewLogger(t), clock.NewMock(), nil)
	t.Cleanup(func() { _ = cm.Close() })
	ctx := context.Background()

	cfg := dbConfig("stats")
	cfg.Type = config.TypeMSSQL
	h, err := Open(ctx, cfg, cm, zaptest.NewLogger(t), database.WithFormatter(sqlformat.Format))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.FormatQuery(ctx, "SELECT %I", []any{"users"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "users"`, pool.lastQuery())
}
