package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryConfig bounds how hard a failed exchange is retried.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying decorates a Transport with bounded exponential backoff. Only I/O
// failures are retried; every HTTP status is handed back to the caller on the
// first attempt.
type Retrying struct {
	next   Transport
	config RetryConfig
	logger *zap.Logger
}

// NewRetrying wraps next. A nil logger disables retry logging.
func NewRetrying(next Transport, config RetryConfig, logger *zap.Logger) *Retrying {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, config: config, logger: logger}
}

// Get implements Transport.
func (r *Retrying) Get(ctx context.Context, url string) (*Response, error) {
	return r.retry(ctx, http.MethodGet, url, func() (*Response, error) {
		return r.next.Get(ctx, url)
	})
}

// Post implements Transport.
func (r *Retrying) Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	return r.retry(ctx, http.MethodPost, url, func() (*Response, error) {
		return r.next.Post(ctx, url, body, header)
	})
}

func (r *Retrying) retry(ctx context.Context, method, url string, op backoff.Operation[*Response]) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	if r.config.InitialInterval > 0 {
		b.InitialInterval = r.config.InitialInterval
	}
	if r.config.MaxInterval > 0 {
		b.MaxInterval = r.config.MaxInterval
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Runtime API exchange failed, retrying",
				zap.String("method", method),
				zap.String("url", url),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}
