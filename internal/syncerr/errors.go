// Package syncerr defines the error taxonomy shared by the sync engine, the
// external provider and the API layer.
package syncerr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Kind string

const (
	KindUnknown       Kind = ""
	KindTransient     Kind = "transient"
	KindRateLimited   Kind = "rate_limited"
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindConfiguration Kind = "configuration"
	KindNotSupported  Kind = "not_supported"
	KindNotFound      Kind = "not_found"
)

var (
	// ErrMalformedPage marks a listing page whose items are missing or not a list.
	ErrMalformedPage = errors.New("malformed page")
	// ErrJobRunning is returned when a job of the same class is already active.
	ErrJobRunning = errors.New("a sync job of this class is already running")
	// ErrStillProcessing is returned when a direct push outlives its wait budget.
	ErrStillProcessing = errors.New("still processing, check pending queue")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindRateLimited {
		msg = fmt.Sprintf("%s (retry in %ds)", msg, RemainingSeconds(e.RetryAfter))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error     { return newErr(KindTransient, op, err) }
func Validation(op string, err error) error    { return newErr(KindValidation, op, err) }
func Conflict(op string, err error) error      { return newErr(KindConflict, op, err) }
func Configuration(op string, err error) error { return newErr(KindConfiguration, op, err) }
func NotSupported(op string, err error) error  { return newErr(KindNotSupported, op, err) }
func NotFound(op string, err error) error      { return newErr(KindNotFound, op, err) }

// RateLimited builds a rate limit error carrying the remaining cooldown.
func RateLimited(op string, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool     { return KindOf(err) == KindTransient }
func IsRateLimited(err error) bool   { return KindOf(err) == KindRateLimited }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsNotSupported(err error) bool  { return KindOf(err) == KindNotSupported }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }

// RetryAfter reports the cooldown carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}

// RemainingSeconds rounds a duration up to whole seconds.
func RemainingSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
