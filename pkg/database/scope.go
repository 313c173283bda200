package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
)

// WithClient runs fn with a Handle bound to one dedicated client, so every
// statement fn issues goes over the same connection. The client is released
// when fn returns or panics.
//
// Called on a dedicated handle, fn receives that handle and nothing is released.
func (h *Handle) WithClient(ctx context.Context, fn func(*Handle) error) error {
	_, err := WithClientResult(ctx, h, func(scoped *Handle) (struct{}, error) {
		return struct{}{}, fn(scoped)
	})
	return err
}

// WithClientResult is WithClient for callbacks that produce a value.
func WithClientResult[T any](ctx context.Context, h *Handle, fn func(*Handle) (T, error)) (T, error) {
	var zero T

	pc, ok := h.conn.(*poolConnection)
	if !ok {
		return fn(h)
	}
	if h.closed.Load() {
		return zero, apperrors.ErrHandleClosed
	}

	client, err := pc.pool.Acquire(ctx)
	if err != nil {
		if retry.IsRetryable(err) {
			h.status.Store(false)
		}
		return zero, fmt.Errorf("failed to acquire client: %w", err)
	}

	scopeID := uuid.New().String()
	logger := h.logger.With(zap.String("scope", scopeID))
	logger.Debug("Acquired dedicated client")

	defer func() {
		client.Release()
		logger.Debug("Released dedicated client")
	}()

	return fn(h.dedicated(client, logger))
}

// dedicated returns a Handle over client that shares h's settings. It is
// always verified and never reconnects.
func (h *Handle) dedicated(client Client, logger *zap.Logger) *Handle {
	scoped := &Handle{
		name:     h.name,
		database: h.database,
		conn:     &clientConnection{client: client},
		logger:   logger,
		throttle: h.throttle,
		format:   h.format,
		boundary: h.boundary,
	}
	scoped.status.Store(true)
	return scoped
}
