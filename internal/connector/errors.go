package connector

import (
	"errors"
	"fmt"
	"time"

	"commerce-sync-service/internal/store"
)

type ErrorKind string

const (
	// KindRateLimit and KindTimeout are retryable; backoff should honor any
	// rate-limit hint. KindAuthentication is fatal and aborts the run.
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindAuthentication ErrorKind = "authentication"
)

type Error struct {
	Kind     ErrorKind
	Platform store.Platform
	Message  string
	Hint     time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Kind, e.Message)
}

// IsRetryable reports whether the error is a rate-limit or timeout failure.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == KindRateLimit || ce.Kind == KindTimeout
}

// IsAuthentication reports whether the error is fatal to the whole run.
func IsAuthentication(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindAuthentication
}

// RateLimitHint returns the platform-supplied backoff hint, or zero.
func RateLimitHint(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindRateLimit {
		return ce.Hint
	}
	return 0
}
