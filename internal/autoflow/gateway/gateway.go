// Package gateway is the only path from autoflow to the ticket service. It
// enforces the rate-limit cooldown, refreshes credentials once on
// rejection, and retries transient failures with jittered backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/credentials"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
	"github.com/uesteibar/autoflow/internal/autoflow/ratelimit"
	"github.com/uesteibar/autoflow/internal/autoflow/retry"
)

type Config struct {
	Tokens        credentials.TokenSource
	ClientOptions []linear.Option
	Limit         *ratelimit.State

	// MaxRetries bounds attempts for transient failures (including the
	// first). Credential refresh does not count against it.
	MaxRetries int
	Backoff    retry.Backoff

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Gateway struct {
	tokens     credentials.TokenSource
	clientOpts []linear.Option
	limit      *ratelimit.State
	maxRetries int
	backoff    retry.Backoff
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	client *linear.Client

	consecutiveErrors atomic.Int64
}

func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limit == nil {
		cfg.Limit = ratelimit.NewState(nil, cfg.Logger)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = retry.DefaultBackoff()
	}
	return &Gateway{
		tokens:     cfg.Tokens,
		clientOpts: cfg.ClientOptions,
		limit:      cfg.Limit,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// RateLimited reports whether calls are currently short-circuited.
func (g *Gateway) RateLimited() bool {
	return g.limit.Active()
}

// ConsecutiveErrors is the number of failed attempts since the last success.
func (g *Gateway) ConsecutiveErrors() int64 {
	return g.consecutiveErrors.Load()
}

func (g *Gateway) current(ctx context.Context) (*linear.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	return g.buildLocked(ctx)
}

func (g *Gateway) rebuild(ctx context.Context, stale *linear.Client) (*linear.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Another caller may already have refreshed.
	if g.client != nil && g.client != stale {
		return g.client, nil
	}
	g.tokens.Invalidate()
	g.client = nil
	return g.buildLocked(ctx)
}

func (g *Gateway) buildLocked(ctx context.Context) (*linear.Client, error) {
	if g.tokens == nil {
		return nil, fmt.Errorf("no token source configured")
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}
	opts := append([]linear.Option{}, g.clientOpts...)
	opts = append(opts, linear.WithResponseHook(g.observe))
	g.client = linear.New(token, opts...)
	return g.client, nil
}

func (g *Gateway) observe(h http.Header) {
	if v := h.Get("X-RateLimit-Requests-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			g.limit.SetQuota(n)
		}
	}
}

// Call runs op against the ticket service and returns its result, or one of
// *RateLimitedError, *PermanentError (possibly wrapping ErrUnauthorized), or
// the context error.
func Call[T any](ctx context.Context, g *Gateway, opName string, op func(context.Context, *linear.Client) (T, error)) (T, error) {
	var zero T

	if g.limit.Active() {
		g.metrics.GatewayCall(opName, "short_circuit")
		return zero, &RateLimitedError{ResetAt: g.limit.ResetAt()}
	}

	val, err := retry.DoVal(ctx, func() (T, error) {
		return attempt(ctx, g, opName, op)
	},
		retry.WithMaxAttempts(g.maxRetries),
		retry.WithBackoff(g.backoff),
		retry.WithRetryable(func(err error) bool {
			var te *TransientError
			return errors.As(err, &te)
		}),
		retry.WithOnRetry(func(n int, err error, delay time.Duration) {
			g.logger.Warn("retrying ticket service call",
				"op", opName, "attempt", n, "delay", delay, "error", err)
		}),
	)
	if err == nil {
		g.consecutiveErrors.Store(0)
		g.metrics.GatewayCall(opName, "ok")
		return val, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%s: %w", opName, ctxErr)
	}
	var te *TransientError
	if errors.As(err, &te) {
		g.metrics.GatewayCall(opName, "exhausted")
		return zero, &PermanentError{Err: fmt.Errorf("%s: retries exhausted: %w", opName, te.Err)}
	}
	return zero, err
}

// attempt performs one budgeted attempt. A credential rejection refreshes
// the client and retries once within the same attempt.
func attempt[T any](ctx context.Context, g *Gateway, opName string, op func(context.Context, *linear.Client) (T, error)) (T, error) {
	var zero T

	client, err := g.current(ctx)
	if err != nil {
		return zero, retry.Permanent(&PermanentError{Err: fmt.Errorf("%s: %w", opName, err)})
	}

	refreshed := false
	for {
		val, err := op(ctx, client)
		if err == nil {
			return val, nil
		}
		g.consecutiveErrors.Add(1)

		c := classify(err)
		g.metrics.GatewayCall(opName, c.String())

		switch c {
		case classUnauthorized:
			if refreshed {
				return zero, retry.Permanent(&PermanentError{Err: fmt.Errorf("%s: %w: %v", opName, ErrUnauthorized, err)})
			}
			refreshed = true
			g.logger.Info("ticket service rejected credentials, refreshing", "op", opName)
			client, err = g.rebuild(ctx, client)
			if err != nil {
				return zero, retry.Permanent(&PermanentError{Err: fmt.Errorf("%s: %w: %v", opName, ErrUnauthorized, err)})
			}
			continue

		case classRateLimited:
			resetAt := resetAtFrom(err, g.now())
			g.limit.Set(resetAt)
			return zero, retry.Permanent(&RateLimitedError{ResetAt: resetAt})

		case classTransient:
			return zero, &TransientError{Err: err}

		default:
			return zero, retry.Permanent(&PermanentError{Err: fmt.Errorf("%s: %w", opName, err)})
		}
	}
}

// Do is Call for operations without a result.
func (g *Gateway) Do(ctx context.Context, opName string, op func(context.Context, *linear.Client) error) error {
	_, err := Call(ctx, g, opName, func(ctx context.Context, c *linear.Client) (struct{}, error) {
		return struct{}{}, op(ctx, c)
	})
	return err
}

// Quota queries the current request quota and records it.
func (g *Gateway) Quota(ctx context.Context) (int, error) {
	limits, err := Call(ctx, g, "rate_limit_status", func(ctx context.Context, c *linear.Client) ([]linear.RateLimitStatus, error) {
		return c.FetchRateLimitStatus(ctx)
	})
	if err != nil {
		return 0, err
	}
	remaining := -1
	for _, l := range limits {
		if remaining < 0 || l.RemainingAmount < remaining {
			remaining = l.RemainingAmount
		}
	}
	if remaining < 0 {
		return 0, fmt.Errorf("rate limit status returned no limits")
	}
	g.limit.SetQuota(remaining)
	return remaining, nil
}
