// Package arqerr defines the runtime's error taxonomy. Every failure a
// caller can act on carries a distinct type so call sites classify with
// errors.As/errors.Is instead of string matching.
package arqerr

import (
	"errors"
	"fmt"

	"github.com/example/arque/internal/event"
)

// VersionConflictError reports an optimistic-concurrency race: another
// writer appended at or past the claimed version. Retriable by reloading
// the aggregate and reprocessing the command.
type VersionConflictError struct {
	ID      event.AggregateID
	Version uint32
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("aggregate %s: version %d already written", e.ID, e.Version)
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}

// FinalizedError reports an append to a finalized aggregate. Terminal:
// no retry can succeed.
type FinalizedError struct {
	ID event.AggregateID
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("aggregate %s is finalized", e.ID)
}

// IsFinalized reports whether err is a finalized-aggregate rejection.
func IsFinalized(err error) bool {
	var finalized *FinalizedError
	return errors.As(err, &finalized)
}

// HandlerMissingError reports a command or event type with no registered
// handler. A configuration error, never retried.
type HandlerMissingError struct {
	Kind string // "command" or "event"
	Type uint32
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no %s handler registered for type %d", e.Kind, e.Type)
}

// DomainError wraps an error returned by a user handler. The engine
// never retries these; Unwrap exposes the user's error unchanged so
// errors.Is/As against domain sentinels keep working.
type DomainError struct {
	Err error
}

func (e *DomainError) Error() string {
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Domain wraps err as a domain error. Wrapping an already-wrapped
// domain error returns it unchanged.
func Domain(err error) error {
	if err == nil {
		return nil
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return err
	}
	return &DomainError{Err: err}
}

// IsDomain reports whether err originated in a user handler.
func IsDomain(err error) bool {
	var domain *DomainError
	return errors.As(err, &domain)
}

// TransientError marks a persistence fault that is worth retrying. The
// Postgres adapter wraps serialization failures and deadlocks; the
// DynamoDB adapter wraps throttling, transaction conflicts and internal
// server errors. Other faults, connection drops included, are not
// wrapped.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was classified as retriable by an
// adapter.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
