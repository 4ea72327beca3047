package ml

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindMalformed ErrorKind = "malformed"
	KindInvalid   ErrorKind = "invalid"
)

// AnalysisError is returned for every failed analysis. Callers keep their
// previous reading when they see one.
type AnalysisError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Is matches another *AnalysisError of the same kind, so
// errors.Is(err, ErrTimeout) works.
func (e *AnalysisError) Is(target error) bool {
	t, ok := target.(*AnalysisError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrTimeout   = &AnalysisError{Kind: KindTimeout}
	ErrTransport = &AnalysisError{Kind: KindTransport}
	ErrMalformed = &AnalysisError{Kind: KindMalformed}
	ErrInvalid   = &AnalysisError{Kind: KindInvalid}
)

func newError(kind ErrorKind, message string, err error) *AnalysisError {
	return &AnalysisError{Kind: kind, Message: message, Err: err}
}

func classifyContextErr(err error) *AnalysisError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "vision model call timed out", err)
	}
	return newError(KindTransport, "vision model call cancelled", err)
}
