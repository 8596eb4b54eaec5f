package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// ErrRetriesExhausted is wrapped into the error returned when a transient
// failure persists past the retry ceiling.
var ErrRetriesExhausted = errors.New("retries exhausted")

// APIError is a non-success response from the Gmail API.
type APIError struct {
	StatusCode int
	Message    string
	Body       string

	transient  bool
	retryAfter string
}

func (e *APIError) Error() string {
	detail := e.Body
	if detail == "" {
		detail = e.Message
	}
	return fmt.Sprintf("Gmail API %d: %s", e.StatusCode, strings.TrimSpace(detail))
}

// Transient reports whether the request may succeed if retried later.
func (e *APIError) Transient() bool {
	return e.transient
}

// IsUnauthorized reports whether err (or any error in its chain) is a 401
// from the Gmail API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(gerr *googleapi.Error) *APIError {
	err := &APIError{
		StatusCode: gerr.Code,
		Message:    gerr.Message,
		Body:       gerr.Body,
	}
	if gerr.Header != nil {
		err.retryAfter = gerr.Header.Get("Retry-After")
	}

	switch {
	case gerr.Code == http.StatusTooManyRequests:
		err.transient = true
	case gerr.Code >= 500:
		err.transient = true
	}

	return err
}

// maxRetryAfter caps a server-requested wait.
const maxRetryAfter = 60 * time.Second

// retryAfterDelay parses the Retry-After header value (seconds) and returns
// it capped at maxRetryAfter, or fallback when the header is missing or
// unparseable.
func retryAfterDelay(retryAfter string, fallback time.Duration) time.Duration {
	if retryAfter == "" {
		return fallback
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		if seconds >= int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}

	return fallback
}
