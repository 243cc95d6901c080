package codio

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrAuthFailed means the credential exchange failed after its retries.
	ErrAuthFailed = errors.New("codio: authentication failed")

	// ErrTaskFailed means an export task finished with an error field.
	ErrTaskFailed = errors.New("codio: export task failed")

	// ErrTaskTimeout means an export task did not finish before its deadline.
	ErrTaskTimeout = errors.New("codio: export task timed out")

	// ErrNoTaskURI means an export request was accepted without a task URI.
	ErrNoTaskURI = errors.New("codio: export response has no task uri")

	// ErrNoDownloadURL means a finished task carried no archive URL.
	ErrNoDownloadURL = errors.New("codio: finished task has no download url")

	// ErrAssignmentNotFound means a course has no assignment with the wanted name.
	ErrAssignmentNotFound = errors.New("codio: assignment not found")
)

// StatusError is returned for API responses outside the 2xx range.
type StatusError struct {
	Method     string
	Path       string
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("codio: %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date, falling back to def when absent or unparseable.
func parseRetryAfter(v string, now time.Time, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return def
}

// snippet trims an error body to something fit for a log line.
func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
