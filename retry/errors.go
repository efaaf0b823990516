package retry

import (
	"errors"
	"fmt"
	"time"
)

// Class tells the policy whether a failed attempt may be repeated.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Error carries an explicit classification for a failed attempt.
// RetryAfter is a server-provided hint and only applies to transient errors.
type Error struct {
	Class      Class
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class.String() + " failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// TransientAfter marks err as retryable no sooner than after d.
func TransientAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, RetryAfter: d, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify reports the class of err and any retry-after hint it carries.
// Errors without an explicit classification are treated as transient.
func Classify(err error) (Class, time.Duration) {
	var re *Error
	if errors.As(err, &re) {
		return re.Class, re.RetryAfter
	}
	// network errors, timeouts and anything unlabelled
	return ClassTransient, 0
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	c, _ := Classify(err)
	return c == ClassPermanent
}
