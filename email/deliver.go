package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const deliveryAttempts = 3

// RejectedError is returned when a provider refuses a message outright.
// Rejections are never retried.
type RejectedError struct {
	Provider   string
	Detail     string
	StatusCode int
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s rejected message: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s rejected message: HTTP %d: %s", e.Provider, e.StatusCode, e.Detail)
}

// IsRejected reports whether err is a provider rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// rejects reports whether an HTTP status means the request itself is bad.
// 429 is throttling and worth another try.
func rejects(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// deliver runs one provider call with retries and the shared delivery logs.
func deliver(ctx context.Context, logger *slog.Logger, provider, to string, delay time.Duration, send func() error) error {
	var attempt uint
	err := retry.Do(
		func() error {
			attempt++
			start := time.Now()
			err := send()
			elapsed := time.Since(start).Milliseconds()

			switch {
			case err == nil:
				logger.Info("Email delivered", "provider", provider, "to", to, "attempt", attempt, "duration_ms", elapsed)
				return nil
			case IsRejected(err):
				logger.Error("Email rejected", "provider", provider, "to", to, "error", err)
				return retry.Unrecoverable(err)
			default:
				logger.Warn("Email delivery failed", "provider", provider, "to", to, "attempt", attempt, "duration_ms", elapsed, "error", err)
				return err
			}
		},
		retry.Attempts(deliveryAttempts),
		retry.Delay(delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%s send to %s: %w", provider, to, err)
	}
	return nil
}
