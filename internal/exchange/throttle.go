package exchange

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// throttle paces calls to one exchange account and retries transient failures.
type throttle struct {
	limiter    *rate.Limiter
	maxRetries uint64
	initial    time.Duration
	maxElapsed time.Duration
}

func newThrottle(perSecond float64, burst, maxRetries int) *throttle {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &throttle{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		maxRetries: uint64(maxRetries),
		initial:    250 * time.Millisecond,
		maxElapsed: 15 * time.Second,
	}
}

// do runs op under the rate limit, retrying with exponential backoff while
// retryable reports true for the returned error.
func (t *throttle) do(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initial
	b.MaxElapsedTime = t.maxElapsed

	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.maxRetries), ctx)

	return backoff.Retry(func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Binance codes worth retrying: disconnected, too many requests, timestamp drift,
// and the generic "unknown" service error.
var retryableCodes = map[int64]bool{
	-1000: true,
	-1001: true,
	-1003: true,
	-1007: true,
	-1021: true,
}

// isTransient reports whether err is a network or throttling error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return retryableCodes[apiErr.Code]
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isTransientTransport only retries failures where the request never reached
// the matching engine. Order placement uses it.
func isTransientTransport(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -1003
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		var opErr *net.OpError
		return errors.As(err, &opErr) && opErr.Op == "dial"
	}
	return false
}
