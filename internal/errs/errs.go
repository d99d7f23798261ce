// Package errs defines the error taxonomy shared by the store, the core
// (timer scheduler, announcement pipeline, speech cache) and the command layer.
//
// Callers classify errors with errors.Is against the sentinel values:
//
//	errors.Is(err, errs.ErrNotFound)        // referenced entity absent
//	errors.Is(err, errs.ErrValidation)      // malformed input
//	errors.Is(err, errs.ErrExternalService) // synthesis or transport failure
//
// ErrConnectionTimeout also matches ErrExternalService.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrExternalService = errors.New("external service error")

	// ErrConnectionTimeout is returned when a voice connection never becomes ready.
	ErrConnectionTimeout = &ExternalServiceError{Service: "voice", Err: errors.New("connection timeout")}
)

// NotFound returns an error matching ErrNotFound.
func NotFound(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// Validation returns an error matching ErrValidation.
func Validation(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string        { return e.msg }
func (e *kindError) Is(target error) bool { return target == e.kind }

// ExternalServiceError wraps a failure of a collaborator outside the process
// (text-to-speech endpoint, voice gateway).
type ExternalServiceError struct {
	Service string
	Err     error
}

// External wraps err as an ExternalServiceError. A nil err returns nil.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}

func (e *ExternalServiceError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("external service: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool {
	if target == ErrExternalService {
		return true
	}
	t, ok := target.(*ExternalServiceError)
	return ok && t == e
}

// UserMessage returns a message that is safe to show to the person who issued
// a command. Only NotFound and Validation errors carry their own text; anything
// else collapses to a generic message.
func UserMessage(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return err.Error(), true
	}
	return "Erro ao processar o comando. Tente novamente.", false
}
