// SPDX-License-Identifier: AGPL-3.0-only

package compat

import (
	"errors"
	"fmt"
)

// NotSupportedError is returned when a query requires a transformation that
// this engine does not support. Callers can use it to decide to fall back to
// another engine rather than fail the query.
type NotSupportedError struct {
	reason string
}

func NewNotSupportedError(reason string) error {
	return NotSupportedError{reason}
}

func (e NotSupportedError) Error() string {
	return fmt.Sprintf("not supported by streaming quantile engine: %v", e.reason)
}

func (e NotSupportedError) Is(target error) bool {
	return errors.As(target, &NotSupportedError{})
}
