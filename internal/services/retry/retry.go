// Package retry repeats deliveries that failed for reasons expected to pass,
// such as a dropped connection or an engine answering 503.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
)

// Policy bounds how often and how patiently an operation is repeated.
type Policy struct {
	// Attempts is the total number of tries, the first one included.
	Attempts int
	// BaseDelay is the wait after the first failure, doubled after each further one.
	BaseDelay time.Duration
	// MaxDelay caps a single wait, whether computed or asked for by the server.
	MaxDelay time.Duration
	// OnRetry is called before every wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

// Delay returns the wait after the given failed attempt (0-based). A server
// supplied delay carried by a TemporaryError wins over the backoff.
func (p Policy) Delay(attempt int, err error) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}

	var tmp *TemporaryError
	if errors.As(err, &tmp) && tmp.After > 0 {
		return min(tmp.After, limit)
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	delay := base
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}

// TemporaryError marks a failure worth another attempt. After, when positive,
// is the wait the server asked for.
type TemporaryError struct {
	Err   error
	After time.Duration
}

func (e *TemporaryError) Error() string {
	if e.Err == nil {
		return "temporary failure"
	}
	return e.Err.Error()
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// Temporary wraps err so that Do tries again, after at least the given wait.
func Temporary(err error, after time.Duration) error {
	return &TemporaryError{Err: err, After: after}
}

// IsTemporary reports whether err or any error it wraps is a TemporaryError.
func IsTemporary(err error) bool {
	var tmp *TemporaryError
	return errors.As(err, &tmp)
}

// AfterHeader reads the Retry-After header of a response, given either in
// seconds or as an HTTP date. A missing or unreadable header yields 0.
func AfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

// Do runs op until it succeeds, fails with an error that is not temporary, or
// the policy runs out of attempts. The last error is returned unchanged. A
// cancelled context stops the waiting and returns ctx.Err().
func Do(ctx context.Context, p Policy, op func(attempt int) error) error {
	attempts := p.attempts()

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err = op(attempt); err == nil {
			return nil
		}
		if !IsTemporary(err) || attempt == attempts-1 {
			return err
		}

		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
