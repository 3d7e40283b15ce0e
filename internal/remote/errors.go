package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("remote: no matching row")
	ErrConflict = errors.New("remote: row already exists")
	// ErrUnauthorized marks a missing or expired session. It is retryable:
	// the same request succeeds once the user signs in again.
	ErrUnauthorized = errors.New("remote: session not accepted")
)

// Kind says whether repeating the request can succeed.
type Kind int

const (
	// KindRetryable covers network failures, timeouts, 5xx, expired sessions
	// and anything unclassified.
	KindRetryable Kind = iota
	// KindPermanent covers validation, authorization, conflicts and missing rows.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "retryable"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// IsPermanent reports whether err will fail again unchanged. Unknown errors
// are not permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindPermanent
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
