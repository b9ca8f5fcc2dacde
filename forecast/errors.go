package forecast

import (
	"errors"
	"fmt"
)

// InvalidForecastError reports a required signal that is missing or malformed
type InvalidForecastError struct {
	Signal string
	Reason string
}

func (e *InvalidForecastError) Error() string {
	return fmt.Sprintf("invalid forecast signal '%s': %s", e.Signal, e.Reason)
}

// IsInvalidForecast reports whether err wraps an InvalidForecastError
func IsInvalidForecast(err error) bool {
	var target *InvalidForecastError
	return errors.As(err, &target)
}
