package mls

import (
	"errors"
	"fmt"
)

// Every error returned by this package wraps exactly one of these sentinels, so
// callers can classify failures with errors.Is.
var (
	// Group-consistency or policy violation; the group state is unchanged
	ErrValidation = errors.New("validation error")

	// Signature, MAC or AEAD tag failure
	ErrCryptoVerification = errors.New("crypto verification error")

	// Malformed wire bytes
	ErrCodec = errors.New("codec error")

	// The input ended before a complete value could be read.  Streaming callers
	// should buffer more bytes and retry.
	ErrNeedMoreData = errors.New("need more data")

	// Caller misuse, e.g. committing after being removed from the group
	ErrUsage = errors.New("usage error")

	// A primitive backend is unavailable
	ErrDependency = errors.New("dependency error")

	// An implementation invariant was violated
	ErrInternal = errors.New("internal error")
)

type mlsError struct {
	kind error
	msg  string
}

func (e *mlsError) Error() string {
	return e.msg + ": " + e.kind.Error()
}

func (e *mlsError) Unwrap() error {
	return e.kind
}

func newError(kind error, component, format string, args ...interface{}) error {
	return &mlsError{
		kind: kind,
		msg:  "mls." + component + ": " + fmt.Sprintf(format, args...),
	}
}

func validationError(component, format string, args ...interface{}) error {
	return newError(ErrValidation, component, format, args...)
}

func verifyError(component, format string, args ...interface{}) error {
	return newError(ErrCryptoVerification, component, format, args...)
}

func codecError(component, format string, args ...interface{}) error {
	return newError(ErrCodec, component, format, args...)
}

func usageError(component, format string, args ...interface{}) error {
	return newError(ErrUsage, component, format, args...)
}

func dependencyError(component, format string, args ...interface{}) error {
	return newError(ErrDependency, component, format, args...)
}

func internalError(component, format string, args ...interface{}) error {
	return newError(ErrInternal, component, format, args...)
}

// classify keeps an already-classified error, and marks anything else as
// belonging to the given kind.  Used at the boundary to primitive libraries.
func classify(err error, kind error, component, what string) error {
	if err == nil {
		return nil
	}

	var me *mlsError
	if errors.As(err, &me) {
		return err
	}
	return newError(kind, component, "%s: %v", what, err)
}
