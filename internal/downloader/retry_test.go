package downloader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	p := Policy{MaxAttempts: 10, Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		base := p.Initial << (attempt - 1)
		if base > p.Max {
			base = p.Max
		}
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, base/2)
			assert.LessOrEqual(t, d, base*3/2)
		}
	}
}

func TestRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	transient := &NetworkError{Op: "GET", URL: "u", Status: 502}

	calls := 0
	err := Retry(context.Background(), p, "test", IsRetryable, func(int) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), p, "test", IsRetryable, func(int) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 4, calls, "first attempt plus MaxAttempts retries")

	calls = 0
	fatal := errors.New("fatal")
	err = Retry(context.Background(), p, "test", IsRetryable, func(int) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), p, "test", func(err error) bool { return errors.Is(err, fatal) }, func(int) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 4, calls, "the classifier decides what is retried")
}

func TestRetryCancelled(t *testing.T) {
	p := Policy{MaxAttempts: 5, Initial: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, p, "test", IsRetryable, func(int) error {
		return &NetworkError{Op: "GET", URL: "u", Err: errors.New("reset")}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
