// Package apperr defines the business error taxonomy shared by the pricing and
// order packages. Transport layers classify errors with errors.As / errors.Is
// and never inspect message text.
package apperr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNotAuthorized is returned when the actor lacks permission or
	// ownership. It intentionally carries no detail.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNoShippingAvailable is returned when no shipping zone or method
	// serves the destination.
	ErrNoShippingAvailable = errors.New("no shipping available for destination")
)

// ValidationError reports malformed input with per-field detail.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError returns a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field failure, keeping the first message per field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// InsufficientInventoryError identifies the variant that cannot cover the
// requested quantity. Available is -1 when the shortage was detected by the
// storage layer's conditional decrement and the current level is unknown.
type InsufficientInventoryError struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("insufficient inventory for product %q variant %q: requested %d",
			e.ProductID, e.VariantID, e.Requested)
	}
	return fmt.Sprintf("insufficient inventory for product %q variant %q: requested %d, available %d",
		e.ProductID, e.VariantID, e.Requested, e.Available)
}

// InvalidStatusTransitionError is returned when the order state machine
// rejects a status change.
type InvalidStatusTransitionError struct {
	From string
	To   string
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// ConfigurationError marks stored data the service cannot interpret, such as
// an unknown discount type or shipping rate strategy. It is a server defect.
type ConfigurationError struct {
	Component string
	Detail    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Component, e.Detail)
}

// ExternalServiceError wraps a failure of a remote dependency.
type ExternalServiceError struct {
	Service   string
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s degraded: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConflictError is returned when a concurrent change or a reused idempotency
// key prevents the operation.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}
