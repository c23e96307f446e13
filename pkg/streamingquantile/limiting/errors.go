// SPDX-License-Identifier: AGPL-3.0-only

package limiting

import (
	"errors"
	"fmt"
)

// LimitError is a marker interface for the errors that do not comply with the configured limits.
type LimitError interface {
	error
	limitError()
}

type limitErr string

func (e limitErr) Error() string {
	return string(e)
}

func (e limitErr) limitError() {}

func NewMaxEstimatedMemoryConsumptionPerQueryLimitError(maxEstimatedMemoryConsumptionPerQuery uint64) LimitError {
	return limitErr(fmt.Sprintf("the query exceeded the maximum allowed estimated amount of memory consumed by a single query (limit: %d bytes)", maxEstimatedMemoryConsumptionPerQuery))
}

func IsLimitError(err error) bool {
	var limitErr LimitError
	return errors.As(err, &limitErr)
}
