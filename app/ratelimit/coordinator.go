package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 3

	defaultBackoffBase = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
	defaultPermitPoll  = 50 * time.Millisecond
)

// DeferralError signals that an endpoint is rate limited. It is an expected
// scheduling outcome, not a transient failure: callers should defer the
// work instead of retrying.
type DeferralError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *DeferralError) Error() string {
	return fmt.Sprintf("endpoint %s rate limited, retry after %s", e.Endpoint, e.RetryAfter)
}

// IsDeferral reports whether err is a rate-limit deferral and its wait time.
func IsDeferral(err error) (time.Duration, bool) {
	var d *DeferralError
	if errors.As(err, &d) {
		return d.RetryAfter, true
	}
	return 0, false
}

// Options configures a Coordinator.
type Options struct {
	Budgets []Budget
	// Default applies to endpoints without an explicit budget.
	Default Budget
	// MaxConnsPerHost bounds the outbound connection pool per destination.
	MaxConnsPerHost int
	MaxAttempts     int
	RequestTimeout  time.Duration
}

// Coordinator keeps concurrent fetchers within per-endpoint request budgets
// and reuses a bounded pool of outbound connections. One token bucket per
// logical endpoint; authoritative rate-limit headers reconcile local state.
type Coordinator struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	budgets  map[string]Budget
	fallback Budget

	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 4
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Default.Capacity <= 0 {
		opts.Default = Budget{Capacity: 60, RefillPerSecond: 1}
	}

	budgets := make(map[string]Budget, len(opts.Budgets))
	for _, b := range opts.Budgets {
		budgets[b.Endpoint] = b
	}

	transport := &http.Transport{
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Coordinator{
		buckets:  make(map[string]*bucket),
		budgets:  budgets,
		fallback: opts.Default,
		client: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		maxAttempts: opts.MaxAttempts,
		backoffBase: defaultBackoffBase,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Acquire consumes cost tokens from the endpoint's bucket. When denied it
// returns the wait until enough tokens accrue. Denial is a typed result,
// not an error: it is a frequent, expected outcome.
func (c *Coordinator) Acquire(endpointKey string, cost float64) (bool, time.Duration) {
	return c.bucket(endpointKey).acquire(c.now(), cost)
}

// RecordResult reconciles local bucket state with authoritative rate-limit
// metadata observed on a response.
func (c *Coordinator) RecordResult(endpointKey string, observedRemaining float64, observedResetAt time.Time) {
	c.bucket(endpointKey).reconcile(c.now(), observedRemaining, observedResetAt)
}

// Tokens reports the current token count and pending window reset for an
// endpoint. Used by the stats endpoint.
func (c *Coordinator) Tokens(endpointKey string) (float64, time.Time) {
	return c.bucket(endpointKey).snapshot(c.now())
}

// Execute performs a rate-checked request. Transient network and 5xx
// failures are retried with exponential backoff plus jitter; explicit
// rate-limit responses update bucket state and surface a DeferralError
// without consuming a retry attempt.
func (c *Coordinator) Execute(ctx context.Context, endpointKey string, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		if err := c.waitForPermit(ctx, endpointKey); err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			slog.Debug("Request attempt failed", "endpoint", endpointKey, "attempt", attempt+1, "error", err)
			continue
		}

		c.recordHeaders(endpointKey, resp)

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp, c.now())
			resp.Body.Close()
			c.bucket(endpointKey).deferUntil(c.now(), c.now().Add(retryAfter))
			return nil, &DeferralError{Endpoint: endpointKey, RetryAfter: retryAfter}
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d %s", resp.StatusCode, resp.Status)
			resp.Body.Close()
			slog.Debug("Request attempt failed", "endpoint", endpointKey, "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", endpointKey, c.maxAttempts, lastErr)
}

// Drain releases pooled connections during shutdown.
func (c *Coordinator) Drain() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (c *Coordinator) bucket(endpointKey string) *bucket {
	c.mu.RLock()
	b := c.buckets[endpointKey]
	c.mu.RUnlock()
	if b != nil {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b = c.buckets[endpointKey]; b != nil {
		return b
	}

	budget, ok := c.budgets[endpointKey]
	if !ok {
		budget = c.fallback
	}
	b = newBucket(budget, c.now())
	c.buckets[endpointKey] = b
	return b
}

// waitForPermit blocks until a token is available or the context is done.
// Rate-limit waits are cancellable suspension points.
func (c *Coordinator) waitForPermit(ctx context.Context, endpointKey string) error {
	for {
		permitted, retryAfter := c.Acquire(endpointKey, 1)
		if permitted {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = defaultPermitPoll
		}
		if err := c.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (c *Coordinator) recordHeaders(endpointKey string, resp *http.Response) {
	remaining := -1.0
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			remaining = parsed
		}
	}

	var resetAt time.Time
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}

	if remaining >= 0 || !resetAt.IsZero() {
		c.RecordResult(endpointKey, remaining, resetAt)
	}
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.backoffBase << uint(attempt-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	// jitter up to half the base delay
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return time.Minute
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
