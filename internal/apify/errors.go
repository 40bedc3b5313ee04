package apify

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest is returned for caller mistakes caught before any
	// network call.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCancelled is returned when the caller's context ends mid-operation.
	ErrCancelled = errors.New("cancelled")
)

// AuthError means no credential was configured.
type AuthError struct{}

func (e *AuthError) Error() string { return "apify: no API token configured" }

// SubmissionError carries the start call's unexpected response verbatim.
type SubmissionError struct {
	Target     string
	Family     Family
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apify: start %s %q failed: %v", e.Family, e.Target, e.Err)
	}
	return fmt.Sprintf("apify: start %s %q returned status %d: %s", e.Family, e.Target, e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when a body does not have the expected
// JSON shape. Stage is one of "submit", "status" or "fetch".
type MalformedResponseError struct {
	Stage string
	Body  string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apify: malformed %s response: %v: %s", e.Stage, e.Err, e.Body)
	}
	return fmt.Sprintf("apify: malformed %s response: %s", e.Stage, e.Body)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StatusQueryError is a failed status request. It is not the same thing as
// the run itself reporting TIMED_OUT or FAILED.
type StatusQueryError struct {
	ID         string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apify: status query for run %s failed: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("apify: status query for run %s returned status %d: %s", e.ID, e.StatusCode, e.Body)
}

func (e *StatusQueryError) Unwrap() error { return e.Err }

// PollTimeoutError means the run was still not terminal after MaxWait.
type PollTimeoutError struct {
	ID         string
	MaxWait    time.Duration
	Polls      int
	LastStatus string
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("apify: run %s not finished after %s (%d polls, last status %q)", e.ID, e.MaxWait, e.Polls, e.LastStatus)
}

// FetchError is a failed dataset request.
type FetchError struct {
	ID         string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apify: fetching dataset of run %s failed: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("apify: fetching dataset of run %s returned status %d: %s", e.ID, e.StatusCode, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }

// JobFailedError is returned by RunJob when the run ended in FAILED or TIMED_OUT.
type JobFailedError struct {
	Handle JobHandle
	Status JobStatus
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("apify: run %s finished with status %s", e.Handle.ID, e.Status)
}

// ErrorKind maps err to a short stable name for API payloads and run records.
func ErrorKind(err error) string {
	var (
		authErr      *AuthError
		submitErr    *SubmissionError
		malformedErr *MalformedResponseError
		statusErr    *StatusQueryError
		timeoutErr   *PollTimeoutError
		fetchErr     *FetchError
		failedErr    *JobFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &submitErr):
		return "submission"
	case errors.As(err, &malformedErr):
		return "malformed_response"
	case errors.As(err, &statusErr):
		return "status_query"
	case errors.As(err, &timeoutErr):
		return "poll_timeout"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &failedErr):
		return "job_failed"
	default:
		return "internal"
	}
}

// RemoteDetails returns the status code and raw body the remote service sent,
// when err carries them.
func RemoteDetails(err error) (int, string, bool) {
	var (
		submitErr    *SubmissionError
		malformedErr *MalformedResponseError
		statusErr    *StatusQueryError
		fetchErr     *FetchError
	)
	switch {
	case errors.As(err, &submitErr) && submitErr.Err == nil:
		return submitErr.StatusCode, submitErr.Body, true
	case errors.As(err, &statusErr) && statusErr.Err == nil:
		return statusErr.StatusCode, statusErr.Body, true
	case errors.As(err, &fetchErr) && fetchErr.Err == nil:
		return fetchErr.StatusCode, fetchErr.Body, true
	case errors.As(err, &malformedErr):
		return 0, malformedErr.Body, true
	default:
		return 0, "", false
	}
}
