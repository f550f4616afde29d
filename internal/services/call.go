package services

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"price-aggregator/internal/circuit"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
)

// gated runs call against backend name behind its circuit breaker, the quota
// budget and the rate limiter, under the request timeout, and records the
// outcome.
//
// The breaker is consulted first so an open circuit never spends budget or a
// rate limit slot. The quota reservation is taken before queueing and given
// back if the call never starts; once call runs it stays spent, panics
// included. Calls that never ran, or were cut short by the caller, leave the
// breaker untouched.
func (c *Coordinator) gated(ctx context.Context, name string, purpose quota.Purpose, p ratelimit.Priority, call func(ctx context.Context) error) (err error) {
	permit, ok := c.breaker.CanExecute(name)
	if !ok {
		c.metrics.call(ctx, name, "circuit_open")
		return errors.Wrap(circuit.ErrOpen, name)
	}
	if err := c.quota.Reserve(ctx, purpose); err != nil {
		c.breaker.Abandon(permit)
		c.metrics.call(ctx, name, "quota_denied")
		return errors.Wrap(err, name)
	}
	if err := c.limiter.Acquire(ctx, name, p); err != nil {
		c.quota.Release(context.WithoutCancel(ctx))
		c.breaker.Abandon(permit)
		c.metrics.call(ctx, name, "rate_limited")
		return errors.Wrap(err, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.lg.Error("Backend panic recovered", zap.String("backend", name), zap.Any("panic", r))
			err = scrapers.NewError(name, scrapers.KindOther, fmt.Errorf("panic: %v", r))
			c.breaker.RecordFailure(permit)
			c.metrics.call(ctx, name, "panic")
		}
	}()

	err = call(callCtx)
	c.record(ctx, permit, err)
	return err
}

func (c *Coordinator) record(ctx context.Context, permit circuit.Permit, err error) {
	name := permit.Service
	switch {
	case err == nil:
		c.breaker.RecordSuccess(permit)
		c.metrics.call(ctx, name, "success")
	case ctx.Err() != nil:
		c.breaker.Abandon(permit)
		c.metrics.call(ctx, name, "cancelled")
	case scrapers.KindOf(err) == scrapers.KindNoData:
		// An empty answer is still a healthy backend.
		c.breaker.RecordSuccess(permit)
		c.metrics.call(ctx, name, "no_data")
	case scrapers.KindOf(err) == scrapers.KindInvalidInput:
		c.breaker.Abandon(permit)
		c.metrics.call(ctx, name, "invalid_input")
	default:
		c.breaker.RecordFailure(permit)
		c.metrics.call(ctx, name, "failure")
		c.lg.Warn("Backend call failed", zap.String("backend", name), zap.Error(err))
	}
}
