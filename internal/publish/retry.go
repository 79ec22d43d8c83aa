package publish

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for uploads
type RetryConfig struct {
	MaxAttempts        int           `json:"max_attempts"`
	InitialDelay       time.Duration `json:"initial_delay"`
	MaxDelay           time.Duration `json:"max_delay"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
	Jitter             bool          `json:"jitter"`
	NonRetryableErrors []string      `json:"non_retryable_errors"`
}

// DefaultRetryConfig is used for object uploads
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            true,
	NonRetryableErrors: []string{
		"AccessDenied",
		"InvalidAccessKeyId",
		"SignatureDoesNotMatch",
		"NoSuchBucket",
		"no such file or directory",
	},
}

// retry runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. A MaxAttempts below 1 means a single attempt.
func retry(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			if attempt > 1 {
				fmt.Printf("✅ Retry successful for %s after %d attempts\n", name, attempt)
			}
			return nil
		}
		if attempt == attempts || !cfg.isRetryable(err) {
			break
		}

		delay := cfg.nextDelay(attempt)
		fmt.Printf("🔄 Attempt %d/%d for %s failed: %v. Retrying in %v\n", attempt, attempts, name, err, delay.Round(time.Millisecond))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// nextDelay is the exponential backoff after the given (1-based) attempt
func (cfg RetryConfig) nextDelay(attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// +/- 10%
		delay += time.Duration(float64(delay) * 0.2 * (rand.Float64() - 0.5))
	}
	return delay
}

func (cfg RetryConfig) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, nonRetryable := range cfg.NonRetryableErrors {
		if strings.Contains(msg, nonRetryable) {
			return false
		}
	}
	return true
}
