// Package errs is the error taxonomy shared by the provisioning workers.
package errs

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryConfiguration    Category = "configuration"
	CategoryCrossAccountAuth Category = "cross_account_auth"
	CategoryTransient        Category = "transient"
	CategoryNotFound         Category = "not_found"
	CategoryConflict         Category = "conflict"
	CategoryAnomalous        Category = "anomalous"
	CategoryInternal         Category = "internal"
)

// Error carries a category plus the operation and tenant it happened in.
type Error struct {
	Category  Category
	Message   string
	Operation string
	TenantID  string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Operation, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same category.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Category == e.Category && t.Message == ""
	}
	return false
}

func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

func (e *Error) WithOp(op string) *Error {
	e.Operation = op
	return e
}

func (e *Error) WithTenant(id string) *Error {
	e.TenantID = id
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

func Configuration(message string) *Error { return New(CategoryConfiguration, message) }
func Transient(message string) *Error     { return New(CategoryTransient, message) }
func Conflict(message string) *Error      { return New(CategoryConflict, message) }
func Anomalous(message string) *Error     { return New(CategoryAnomalous, message) }
func Internal(message string) *Error      { return New(CategoryInternal, message) }

func NotFound(resource, id string) *Error {
	return New(CategoryNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// IsCategory reports whether err, or anything it wraps, is an *Error of category.
func IsCategory(err error, category Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == category
	}
	return false
}

// CategoryOf returns the category of err, CategoryInternal when it has none.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// Wrap attaches operation context to an unexpected error before it is persisted.
// Errors that already carry a category keep it.
func Wrap(err error, op, tenantID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Operation == "" {
			e.Operation = op
		}
		if e.TenantID == "" {
			e.TenantID = tenantID
		}
		return err
	}
	return Internal("unexpected failure").WithOp(op).WithTenant(tenantID).WithCause(err)
}
