package extractor

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransient marks fetch failures worth retrying: network errors,
	// rate limits, 5xx responses, malformed but retryable payloads.
	ErrTransient = errors.New("transient fetch failure")

	// ErrFatal marks fetch failures that end the session: bad credentials,
	// unknown or deleted source, permission errors.
	ErrFatal = errors.New("fatal fetch failure")

	// ErrEmptySource is returned by Start when no source id is given
	ErrEmptySource = errors.New("source id is empty")
)

// Transient marks err as retryable. The message is left untouched.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Fatal marks err as non-retryable. The message is left untouched.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrFatal)
}

// ErrorKind classifies a fetch failure
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// KindOf classifies err. Anything not marked Fatal is treated as transient,
// which covers raw network errors coming out of net/http.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrFatal) {
		return KindFatal
	}
	return KindTransient
}

// Error is what a session reports through OnError when it fails
type Error struct {
	Kind      ErrorKind
	SessionID string
	SourceID  string
	Cursor    string
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failure on %s after %d attempt(s): %v", e.Kind, e.SourceID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
