package backplane

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const retryAttempts = 5

// Retrier reissues transient backplane failures with exponential
// backoff. Structural errors surface immediately.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewRetrier creates a retrier with the default backplane policy:
// 100 ms initial interval doubling up to 5 s, with 10% jitter, for at
// most five attempts.
func NewRetrier() *Retrier {
	return &Retrier{
		initialInterval: 100 * time.Millisecond,
		maxInterval:     5 * time.Second,
	}
}

func (r *Retrier) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx)
}

// Retry runs the provided call, reissuing it on transient errors.
// Retries past the limit surface the last error, which callers map to
// UNAVAILABLE.
func (r *Retrier) Retry(ctx context.Context, call func() error) error {
	return backoff.Retry(func() error {
		err := call()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.newBackOff(ctx))
}

// IsTransient reports whether an error is worth retrying: network
// failures and explicit UNAVAILABLE statuses. Redis key misses and
// decode failures are structural.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.Unavailable
	}
	return false
}
