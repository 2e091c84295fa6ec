package bvg

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a fetch failure for retry decisions.
type ErrorKind int

const (
	// Transient covers connection failures and 5xx responses; worth
	// retrying within the cycle and again on the next tick.
	Transient ErrorKind = iota
	// Permanent covers unambiguous client errors (4xx other than 429);
	// retrying the same request cannot succeed.
	Permanent
	// RateLimited is HTTP 429: the provider allows 100 requests per
	// minute. Retried with backoff, then deferred to the next tick.
	RateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Error is a typed fetch failure.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bvg: %s fetching %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a fetch failure that must not be
// retried.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Permanent
}

// IsRateLimited reports whether err is an exhausted rate-limit retry.
func IsRateLimited(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == RateLimited
}

// kindForStatus classifies an unsuccessful HTTP status code.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}
