package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a payload is malformed or missing a required field.
	ErrValidation = errors.New("validation error")

	// ErrBusinessRule is returned when a well-formed command would break an invariant.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrInsufficientStock is returned when a stock exit exceeds the available quantity.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicateID is returned when an entity identifier is already taken.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound is returned when a command targets an entity that doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an order status change is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDurability is returned when the journal could not durably record a command.
	// Nothing was committed; the command can be retried as-is.
	ErrDurability = errors.New("durability failure")

	// ErrCorruption is returned when the journal and the store disagree.
	// It is fatal during recovery.
	ErrCorruption = errors.New("corruption or replay failure")

	// ErrNotification is returned when a change notification could not be handed off.
	// It never fails the owning transaction.
	ErrNotification = errors.New("notification failure")
)

// Error describes why a command was rejected or failed.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error

	// CommandType is the command being applied when the error occurred.
	CommandType CommandType

	// Field names the payload field or invariant that failed.
	Field string

	// Message is a human readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.CommandType != "" {
		msg = fmt.Sprintf("%s: %s", e.CommandType, msg)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Field)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports whether target is this error's kind. Business rule sub-kinds
// also match ErrBusinessRule.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return target == ErrBusinessRule && isBusinessRule(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func isBusinessRule(kind error) bool {
	switch kind {
	case ErrInsufficientStock, ErrDuplicateID, ErrNotFound, ErrInvalidTransition:
		return true
	}
	return false
}

// NewError creates an Error of the given kind.
func NewError(kind error, field, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithCommand tags err with the command type if it is an *Error without one.
func WithCommand(err error, commandType CommandType) error {
	var de *Error
	if errors.As(err, &de) && de.CommandType == "" {
		de.CommandType = commandType
	}
	return err
}

// IsRetryable reports whether the caller may resubmit the same command unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDurability)
}
