package fetch

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// RetryPolicy bounds how often an operation is attempted and how long to wait between attempts
type RetryPolicy struct {
	MaxAttempts    int           // Total attempts including the first; < 1 is treated as 1
	InitialDelay   time.Duration // Delay before the second attempt; 0 retries immediately
	MaxDelay       time.Duration // Cap for the exponential delay
	RetryPermanent bool          // Keep retrying errors utils.IsPermanent reports as permanent
}

// Backoff returns the delay before the given attempt (2-based): initial * 2^(attempt-2),
// capped at MaxDelay, with +/- 10% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 2 || p.InitialDelay <= 0 {
		return 0
	}
	backoff := float64(p.InitialDelay) * math.Pow(2, float64(attempt-2))
	delay := time.Duration(backoff)
	if p.MaxDelay > 0 && (delay <= 0 || delay > p.MaxDelay) {
		delay = p.MaxDelay
	}

	// Add jitter: +/- 10% of the calculated delay to help avoid thundering herd
	var jitter time.Duration
	if span := int64(delay) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span)) - (delay / 10)
	}
	finalDelay := delay + jitter
	if finalDelay < 0 {
		finalDelay = 0
	}
	return finalDelay
}

// Retry runs op until it succeeds, the attempts run out, a permanent error is returned
// (unless RetryPermanent), or ctx ends. Each failed attempt is logged with its number.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, p RetryPolicy, log *logrus.Entry, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if delay := p.Backoff(attempt); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return attempt - 1, ctx.Err()
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		permanent := utils.IsPermanent(lastErr)
		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"category":     utils.CategorizeError(lastErr),
			"permanent":    permanent,
		}).Warnf("Attempt failed: %v", lastErr)

		if permanent && !p.RetryPermanent {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}
