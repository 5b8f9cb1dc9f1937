// Package datastore provides error handling helpers for database operations
package datastore

import (
	"fmt"

	"github.com/tphakala/birdcensus-go/internal/errors"
)

// dbError creates a properly categorized database error with context
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	// Add context pairs
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// validationError creates a validation error
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

// notFoundError creates a not-found error for a missing entity
func notFoundError(entity string, id any) error {
	return errors.Newf("%s not found: %v", entity, id).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("entity", entity).
		Context("id", fmt.Sprintf("%v", id)).
		Build()
}
