package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-dbguard/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-dbguard/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/crypto"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/database"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/handlers"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/middleware"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-password" {
		sealPassword()
		return
	}

	// CONFIG_PATH is optional; without it everything comes from the environment.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("dbguard exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Identity()),
		zap.Int("throttleBoundary", cfg.Throttle.Boundary),
		zap.Strings("adapters", adapterTypes()),
	)

	mgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes: cfg.Manager.TTLMinutes,
	}, logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("Failed to close connection manager", zap.String("error", logging.SanitizeError(err)))
		}
	}()

	h, err := datasource.Open(ctx, &cfg.Database, mgr, logger,
		database.WithDefaultBoundary(cfg.Throttle.Boundary),
		database.WithReconnect(cfg.Reconnect.RetryConfig()),
	)
	if err != nil {
		return err
	}
	defer h.Close()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, h, mgr, logger).RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = middleware.RequestLogger(logger.Named("http"))(handler)
	handler = middleware.Recover(logger.Named("http"))(handler)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTP.BindAddr, cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting health server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Health reports 503 until this returns.
	if err := h.Connect(ctx); err != nil {
		return shutdown(server, logger, err)
	}

	result, err := h.Query(ctx, "SELECT CURRENT_TIMESTAMP")
	if err != nil {
		return shutdown(server, logger, err)
	}
	if len(result.Rows) > 0 && len(result.Rows[0]) > 0 {
		logger.Info("Smoke query succeeded", zap.Any("now", result.Rows[0][0]))
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	return shutdown(server, logger, nil)
}

func shutdown(server *http.Server, logger *zap.Logger, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Health server shutdown failed", zap.Error(err))
	}
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

// sealPassword prints PGPASSWORD sealed with DBGUARD_CREDENTIALS_KEY, for use
// as database.password_encrypted.
func sealPassword() {
	box, err := crypto.NewPasswordBox(os.Getenv("DBGUARD_CREDENTIALS_KEY"))
	if err != nil {
		log.Fatalf("Failed to create password box: %v", err)
	}
	password := os.Getenv("PGPASSWORD")
	if password == "" {
		log.Fatal("PGPASSWORD is empty")
	}
	sealed, err := box.Seal(password)
	if err != nil {
		log.Fatalf("Failed to seal password: %v", err)
	}
	fmt.Println(sealed)
}

func adapterTypes() []string {
	infos := datasource.RegisteredAdapters()
	types := make([]string, len(infos))
	for i, info := range infos {
		types[i] = info.Type
	}
	return types
}
