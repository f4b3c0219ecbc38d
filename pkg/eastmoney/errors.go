package eastmoney

import (
	"errors"
	"fmt"
)

// Error classes returned by the client. Wrapped errors keep their cause,
// so callers test with errors.Is.
var (
	ErrNetwork = errors.New("eastmoney: network error") // transport failure or non-200 status
	ErrParse   = errors.New("eastmoney: parse error")   // bad JSONP envelope or JSON body
	ErrSchema  = errors.New("eastmoney: schema error")  // payload lacks an expected element
)

// APIError is a non-200 HTTP response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eastmoney error %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func (e *APIError) Is(target error) bool {
	return target == ErrNetwork
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
