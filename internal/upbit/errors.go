package upbit

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the exchange. The Name field carries the
// exchange's error code, e.g. "insufficient_funds_bid" or "under_min_total_ask".
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit: %s (%s, http %d)", e.Message, e.Name, e.Status)
}

// IsRejection reports whether err is an exchange-side order rejection
// (insufficient balance, below minimum, suspended market) as opposed to a
// transport failure. Rejections must not be retried.
func IsRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}
