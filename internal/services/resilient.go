package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"procgenie/backend/internal/logging"
	"procgenie/backend/pkg/models"
)

// RetryConfig bounds the exponential backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// BreakerConfig configures the per-integration circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// ResilientAdapter decorates an ExternalSystemAdapter with retries for
// ExternalCallTransientError, a circuit breaker per integration and a
// dedup memo so that a repeated Invoke with the same key returns the first
// successful result without calling out again. Concurrent calls with one key
// share a single call.
type ResilientAdapter struct {
	next     ExternalSystemAdapter
	retry    RetryConfig
	breaker  BreakerConfig
	logger   *logging.Logger
	dedup    *expirable.LRU[string, map[string]any]
	inflight singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewResilientAdapter creates a new ResilientAdapter.
func NewResilientAdapter(next ExternalSystemAdapter, retry RetryConfig, breaker BreakerConfig, dedupTTL time.Duration, logger *logging.Logger) *ResilientAdapter {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if breaker.MaxFailures == 0 {
		breaker.MaxFailures = 5
	}
	return &ResilientAdapter{
		next:     next,
		retry:    retry,
		breaker:  breaker,
		logger:   logger,
		dedup:    expirable.NewLRU[string, map[string]any](4096, nil, dedupTTL),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (a *ResilientAdapter) breakerFor(integrationID string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.breakers[integrationID]; ok {
		return cb
	}
	maxFailures := a.breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    integrationID,
		Timeout: a.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("circuit breaker state changed", "integration_id", name, "from", from.String(), "to", to.String())
		},
	})
	a.breakers[integrationID] = cb
	return cb
}

func (a *ResilientAdapter) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if a.retry.InitialInterval > 0 {
		b.InitialInterval = a.retry.InitialInterval
	}
	if a.retry.MaxInterval > 0 {
		b.MaxInterval = a.retry.MaxInterval
	}
	if a.retry.Multiplier > 0 {
		b.Multiplier = a.retry.Multiplier
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.retry.MaxAttempts-1)), ctx)
}

func (a *ResilientAdapter) call(ctx context.Context, integrationID string, fn func() (map[string]any, error)) (map[string]any, error) {
	cb := a.breakerFor(integrationID)
	var result map[string]any
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		out, err := cb.Execute(func() (interface{}, error) {
			return fn()
		})
		if err == nil {
			result, _ = out.(map[string]any)
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		a.logger.Warn("transient external failure", "integration_id", integrationID, "attempt", attempt, "error", err)
		return err
	}, a.newBackOff(ctx))
	return result, err
}

// Invoke calls the integration once per dedupKey.
func (a *ResilientAdapter) Invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error) {
	if dedupKey == "" {
		return a.invoke(ctx, integrationID, operation, dedupKey, fields)
	}
	if prior, ok := a.dedup.Get(dedupKey); ok {
		a.logger.Debug("dedup hit", "integration_id", integrationID, "dedup_key", dedupKey)
		return prior, nil
	}
	out, err, shared := a.inflight.Do(dedupKey, func() (interface{}, error) {
		// A call that finished between the lookup above and Do already
		// stored its result.
		if prior, ok := a.dedup.Get(dedupKey); ok {
			return prior, nil
		}
		result, err := a.invoke(ctx, integrationID, operation, dedupKey, fields)
		if err != nil {
			return nil, err
		}
		a.dedup.Add(dedupKey, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.logger.Debug("dedup shared in-flight call", "integration_id", integrationID, "dedup_key", dedupKey)
	}
	result, _ := out.(map[string]any)
	return result, nil
}

func (a *ResilientAdapter) invoke(ctx context.Context, integrationID, operation, dedupKey string, fields map[string]any) (map[string]any, error) {
	result, err := a.call(ctx, integrationID, func() (map[string]any, error) {
		return a.next.Invoke(ctx, integrationID, operation, dedupKey, fields)
	})
	if err != nil {
		return nil, &models.ExternalCallError{IntegrationID: integrationID, Operation: operation, Err: err}
	}
	return result, nil
}

// Compensate runs a compensation action exactly once. Compensation failures
// are surfaced to the caller, never retried here.
func (a *ResilientAdapter) Compensate(ctx context.Context, integrationID, action string, recorded map[string]any) error {
	_, err := a.breakerFor(integrationID).Execute(func() (interface{}, error) {
		return nil, a.next.Compensate(ctx, integrationID, action, recorded)
	})
	return err
}
