// Package retry wraps outbound calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"syscall"
	"time"
)

// Policy controls how failed calls are retried with exponential backoff.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	AttemptTimeout time.Duration

	// Retryable overrides IsTransient when set.
	Retryable func(error) bool
	// Sleep waits between attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns 3 attempts, 1s initial delay doubling per attempt, a 30s
// delay cap and a 30s deadline for every attempt.
func Default() *Policy {
	return &Policy{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// ShouldRetry reports whether another attempt may follow the given failed one.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return err != nil && p.Retryable(err)
	}
	return IsTransient(err)
}

// NextDelay returns the backoff delay after the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times. Each attempt gets its own deadline when
// AttemptTimeout is set. Returns nil on success or the last error once
// attempts are exhausted, the error is permanent, or ctx is done.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		if !p.ShouldRetry(err, attempt) {
			return lastErr
		}
		if err := p.sleep(ctx, p.NextDelay(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p *Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// networkSignatures are lower-cased fragments of transport failure messages
// produced by HTTP clients and resolvers.
var networkSignatures = []string{
	"failed to fetch",
	"network error",
	"networkerror when attempting to fetch resource",
	"load failed",
	"connection failed",
	"connection refused",
	"connection reset",
	"econnrefused",
	"enotfound",
	"no such host",
	"etimedout",
	"timeout",
	"deadline exceeded",
}

// IsTransient classifies err as a transient network failure. Errors that
// report Permanent() true are never transient, and anything unrecognised is
// treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) && perm.Permanent() {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range networkSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether an exhausted call failed because the remote
// system was unreachable rather than because it rejected the request.
func IsNetworkError(err error) bool {
	return IsTransient(err)
}
