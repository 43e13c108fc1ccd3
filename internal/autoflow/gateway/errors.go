package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// ErrUnauthorized is returned when the service rejects credentials even
// after a refresh.
var ErrUnauthorized = errors.New("ticket service rejected credentials")

// RateLimitedError is returned while the service is rate limiting. Callers
// must not retry before ResetAt.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// TransientError marks a failure worth retrying (5xx, connection reset).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not succeed on retry, including a
// transient failure that exhausted its retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is (or wraps) a *RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

type class int

const (
	classPermanent class = iota
	classTransient
	classUnauthorized
	classRateLimited
)

func (c class) String() string {
	switch c {
	case classTransient:
		return "transient"
	case classUnauthorized:
		return "unauthorized"
	case classRateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

func classify(err error) class {
	var apiErr *linear.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.Code == "AUTHENTICATION_ERROR":
			return classUnauthorized
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.Code == "RATELIMITED":
			return classRateLimited
		case apiErr.StatusCode >= 500:
			return classTransient
		default:
			return classPermanent
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classPermanent
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	return classPermanent
}

// resetAtFrom derives when a rate limit lifts: the epoch-millisecond
// X-RateLimit-Requests-Reset header, then Retry-After (seconds or HTTP date),
// then a conservative hour.
func resetAtFrom(err error, now time.Time) time.Time {
	var apiErr *linear.APIError
	if errors.As(err, &apiErr) && apiErr.Header != nil {
		if v := apiErr.Header.Get("X-RateLimit-Requests-Reset"); v != "" {
			if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil && ms > 0 {
				if t := time.UnixMilli(ms); t.After(now) {
					return t
				}
			}
		}
		if v := apiErr.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
			if t, perr := http.ParseTime(v); perr == nil && t.After(now) {
				return t
			}
		}
	}
	return now.Add(time.Hour)
}
