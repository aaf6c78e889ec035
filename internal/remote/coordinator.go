// Package remote wraps every call to the document store (or any other remote
// dependency) with a timeout race and a retry loop. It is the only place in the
// service that decides whether and when a failed remote call is repeated.
package remote

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/2beens/fitsync/internal/apperrors"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Policy describes how a single remote operation is attempted.
// Timeout applies to each attempt; zero disables the timeout race.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(err error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Retryable:   apperrors.IsRetryable,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = apperrors.IsRetryable
	}
	return p
}

// Option overrides the coordinator policy for one call.
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Policy) {
		p.Timeout = d
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

func WithRetryable(fn func(err error) bool) Option {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Coordinator struct {
	policy  Policy
	sleep   SleepFunc
	jitter  func() float64
	metrics *metrics.Manager
}

type CoordinatorOption func(*Coordinator)

func WithSleep(fn SleepFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// WithJitter replaces the random source of the backoff. fn must return a
// value in [0, 1).
func WithJitter(fn func() float64) CoordinatorOption {
	return func(c *Coordinator) {
		c.jitter = fn
	}
}

func WithMetrics(m *metrics.Manager) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(policy Policy, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		policy: policy.withDefaults(),
		sleep:  sleep,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Delay returns the wait before the attempt following the given one:
// min(base * (2^(attempt-1) + jitter), maxDelay).
func (c *Coordinator) Delay(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1)) + c.jitter()
	delay := float64(p.BaseDelay) * factor
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, fails with a non retryable error, times out,
// or runs out of attempts.
func (c *Coordinator) Do(ctx context.Context, name string, op func(ctx context.Context) error, opts ...Option) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "remote.do")
	span.SetAttributes(attribute.String("operation", name))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	p := c.policy
	for _, opt := range opts {
		opt(&p)
	}
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		start := time.Now()
		lastErr = c.attempt(ctx, name, p.Timeout, op)
		c.observe(name, start, lastErr)
		span.SetAttributes(attribute.Int("attempts", attempt))

		if lastErr == nil {
			return nil
		}
		if apperrors.Is(lastErr, apperrors.KindTimeout) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return apperrors.Context(name, err)
		}
		if !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := c.Delay(attempt, p)
		log.Debugf("remote: %s attempt %d/%d failed, retrying in %s: %s", name, attempt, p.MaxAttempts, delay, lastErr)
		if c.metrics != nil {
			c.metrics.CounterSyncRetries.WithLabelValues(name).Inc()
		}
		if err := c.sleep(ctx, delay); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return apperrors.Context(name, ctxErr)
			}
			return apperrors.Wrap(apperrors.KindTransient, name, fmt.Errorf("waiting for retry: %w", err))
		}
	}

	log.Warnf("remote: %s failed after %d attempts: %s", name, p.MaxAttempts, lastErr)
	return fmt.Errorf("%s: gave up after %d attempts: %w", name, p.MaxAttempts, lastErr)
}

// attempt races op against the timeout. The loser's context is cancelled, so
// an op that respects its context never outlives the attempt for long.
func (c *Coordinator) attempt(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("remote: panic in %s: %v\n%s", name, r, debug.Stack())
				done <- fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		done <- op(opCtx)
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-timeoutC:
		if c.metrics != nil {
			c.metrics.CounterSyncTimeouts.WithLabelValues(name).Inc()
		}
		return apperrors.Timeout(name, fmt.Errorf("no result within %s", timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) observe(name string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	c.metrics.CounterSyncAttempts.WithLabelValues(name, outcome).Inc()
	c.metrics.HistogramSyncDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, c *Coordinator, name string, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var result T
	err := c.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
