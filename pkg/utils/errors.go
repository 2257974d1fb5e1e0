package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")    // Wraps original error/status
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")    // Wraps original error/status
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)") // Wraps original error/status
	ErrParsing          = errors.New("parsing error")              // Page parser, URL and JSON decoding failures
	ErrFilesystem       = errors.New("filesystem error")           // Wraps os errors
	ErrDatabase         = errors.New("database error")             // Wraps badger/sqlite errors
	ErrRecordConflict   = errors.New("record conflicts with an existing record")
	ErrSemaphoreTimeout = errors.New("timeout acquiring semaphore")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
)

// HTTPStatusError reports a non-2xx response. It unwraps to one of the
// HTTP sentinel errors so callers can keep using errors.Is.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s for '%s'", e.sentinel().Error(), e.StatusCode, e.Status, e.URL)
}

// Unwrap returns the sentinel matching the status class.
func (e *HTTPStatusError) Unwrap() error {
	return e.sentinel()
}

func (e *HTTPStatusError) sentinel() error {
	switch {
	case e.StatusCode >= 500:
		return ErrServerHTTPError
	case e.StatusCode >= 400:
		return ErrClientHTTPError
	default:
		return ErrOtherHTTPError
	}
}

// IsPermanent reports whether retrying err cannot change the outcome:
// 4xx responses other than 408/429, and uniqueness conflicts in the index.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecordConflict) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return false
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return "HTTP_404"
		case statusErr.StatusCode == http.StatusForbidden:
			return "HTTP_403"
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return "HTTP_429"
		case statusErr.StatusCode >= 500:
			return "HTTP_5xx"
		case statusErr.StatusCode >= 400:
			return "HTTP_4xx"
		default:
			return "HTTP_OtherStatus"
		}
	}

	switch {
	case errors.Is(err, ErrClientHTTPError):
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if strings.Contains(strings.ToLower(err.Error()), "no space left") {
			return "Filesystem_DiskFull"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrRecordConflict):
		return "Database_Conflict"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	}

	return "Unknown"
}
