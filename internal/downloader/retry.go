package downloader

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	"dlqueue/internal/config"
)

// Policy is the exponential backoff shared by whole-task retries and HLS
// segment retries.
type Policy struct {
	// MaxAttempts is the number of retries after the first attempt.
	// Default: 5
	MaxAttempts int

	// Initial is the backoff before the first retry.
	// Default: 1s
	Initial time.Duration

	// Max caps the backoff.
	// Default: 30s
	Max time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Initial: time.Second, Max: 30 * time.Second}
}

// PolicyFromConfig adapts the retry section of the configuration.
func PolicyFromConfig(rc config.RetryConfig) Policy {
	return Policy{MaxAttempts: rc.MaxAttempts, Initial: rc.InitialBackoff, Max: rc.MaxBackoff}
}

// Backoff returns the jittered wait before retry number attempt (1-based):
// Initial * 2^(attempt-1), capped at Max, scaled by 0.5 to 1.5.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.Initial
	for i := 1; i < attempt && backoff < p.Max; i++ {
		backoff *= 2
	}
	if backoff > p.Max {
		backoff = p.Max
	}
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the policy runs out of attempts. label names the operation in log lines.
func Retry(ctx context.Context, p Policy, label string, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := p.Backoff(attempt)
			log.Printf("%s: retry %d/%d in %s: %v", label, attempt, p.MaxAttempts, wait.Round(time.Millisecond), err)
			if serr := Sleep(ctx, wait); serr != nil {
				return serr
			}
		}
		err = fn(attempt)
		if err == nil || !retryable(err) || attempt >= p.MaxAttempts {
			return err
		}
	}
}
