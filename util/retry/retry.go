package retry

import (
	"context"
	"time"

	"github.com/zion-terranova/ziond/ulogger"
)

// Retry runs fn until it succeeds, the retry count is exhausted, or the
// context is cancelled. Backoff between attempts follows the configured
// options (linear by default, exponential with cap when enabled).
func Retry(ctx context.Context, logger ulogger.Logger, fn func() error, opts ...Options) error {
	options := NewSetOptions(opts...)

	var err error

	backoff := options.BackoffDurationType

	for attempt := 1; options.InfiniteRetry || attempt <= options.RetryCount; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !options.InfiniteRetry && attempt == options.RetryCount {
			break
		}

		logger.Warnf("%sattempt %d failed: %v, retrying in %s", options.Message, attempt, err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if options.ExponentialBackoff {
			backoff = time.Duration(float64(backoff) * options.BackoffFactor)
			if backoff > options.MaxBackoff {
				backoff = options.MaxBackoff
			}
		} else {
			backoff += options.BackoffDurationType * time.Duration(options.BackoffMultiplier-1)
		}
	}

	return err
}
