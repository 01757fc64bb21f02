package momo

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"momovault/internal/port"
)

// TokenSource acquires a fresh gateway access token.
type TokenSource interface {
	AcquireToken(ctx context.Context) (string, error)
}

// TokenCache holds the process-wide disbursement token. The gateway gives no
// expiry, so a token is kept until a caller sees a 401 and invalidates it.
// Cold-cache callers share a single in-flight acquisition.
type TokenCache struct {
	source TokenSource
	logger *zap.Logger

	mu    sync.RWMutex
	token string
	group singleflight.Group
}

func NewTokenCache(source TokenSource, logger *zap.Logger) *TokenCache {
	return &TokenCache{source: source, logger: logger}
}

var _ port.TokenProvider = (*TokenCache)(nil)

func (c *TokenCache) cached() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Token returns the cached token, acquiring one first if the cache is empty.
// Acquisition errors are returned as is and not retried. The shared
// acquisition does not inherit the caller's cancellation, so one caller giving
// up does not fail the others waiting on it.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if token := c.cached(); token != "" {
		return token, nil
	}

	acquireCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("acquire", func() (any, error) {
		if token := c.cached(); token != "" {
			return token, nil
		}

		token, err := c.source.AcquireToken(acquireCtx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = token
		c.mu.Unlock()

		c.logger.Info("disbursement token acquired")
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("disbursement token acquisition failed", zap.Bool("shared", res.Shared), zap.Error(res.Err))
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token; the next Token call re-acquires.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	c.logger.Info("disbursement token invalidated")
}
