package dberr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Category classifies errors by their nature and appropriate handling
// strategy: whether an error should trigger retries, user notifications, or
// system alerts.
type Category int

const (
	// CategoryUser represents errors caused by invalid input or operations.
	// These are typically fixable by modifying the request.
	CategoryUser Category = iota

	// CategoryTransient represents temporary errors that might succeed on
	// retry: lock timeouts, interruptions, temporary resource exhaustion.
	// Clients should retry these with backoff.
	CategoryTransient

	// CategorySystem represents errors requiring administrator intervention:
	// disk full, configuration errors, missing files.
	CategorySystem

	// CategoryData represents data corruption or integrity errors: checksum
	// failures, invalid page formats.
	CategoryData

	// CategoryConcurrency represents conflicts between concurrent
	// transactions: deadlocks, lock conflicts. Often resolved by retrying
	// the transaction with backoff.
	CategoryConcurrency
)

// DBError is a structured storage-engine error with a stable code and
// category. Stack capture and chain traversal are delegated to
// cockroachdb/errors, so DBError values compose with errors.Is, errors.As,
// and %+v formatting.
type DBError struct {
	// Code is a unique identifier for this error type, such as
	// "DEADLOCK_DETECTED" or "NON_IMMEDIATE_UPGRADE".
	Code string

	// Category classifies the error for handling strategy.
	Category Category

	// Message is a human-readable description of what went wrong.
	Message string

	// Detail provides context about the specific instance.
	Detail string

	// Operation and Component identify where the error originated, such as
	// "AcquireLock" in "LockManager".
	Operation string
	Component string

	// Cause is the underlying error, carrying the captured stack.
	Cause error
}

// New creates a DBError with the given code, category, and message. The call
// site's stack is captured in the cause chain.
func New(category Category, code, message string) *DBError {
	return &DBError{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    errors.NewWithDepth(1, message),
	}
}

// Wrap wraps an existing error with engine context. A DBError is enriched in
// place with operation and component (only where not already set); anything
// else becomes the cause of a new system-category DBError.
func Wrap(err error, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}

	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.Operation == "" {
			dbErr.Operation = operation
		}
		if dbErr.Component == "" {
			dbErr.Component = component
		}
		return dbErr
	}

	return &DBError{
		Code:      code,
		Category:  CategorySystem,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		Cause:     errors.WrapWithDepth(1, err, code),
	}
}

// Error implements the error interface. The format follows the pattern:
// [CODE] Message: Detail (operation: Op, component: Comp)
func (e *DBError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)

	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}

	if e.Operation != "" {
		fmt.Fprintf(&b, " (operation: %s", e.Operation)
		if e.Component != "" {
			fmt.Fprintf(&b, ", component: %s", e.Component)
		}
		b.WriteString(")")
	}

	return b.String()
}

// Unwrap returns the underlying cause, enabling chain traversal with
// errors.Is and errors.As.
func (e *DBError) Unwrap() error {
	return e.Cause
}

// FormatStack renders the captured stack trace for debugging.
func (e *DBError) FormatStack() string {
	if e.Cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.Cause)
}
