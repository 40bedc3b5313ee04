package apify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusObserver is told about every status the poller reads.
type StatusObserver func(status JobStatus, raw string)

// AwaitCompletion polls the run every interval until it reaches a terminal
// status or maxWait has elapsed. The first poll happens immediately.
func (c *Client) AwaitCompletion(ctx context.Context, handle JobHandle, interval, maxWait time.Duration, observers ...StatusObserver) (JobStatus, error) {
	if handle.ID == "" {
		return JobStatusRunning, fmt.Errorf("%w: run id must not be empty", ErrInvalidRequest)
	}
	if interval <= 0 || maxWait <= 0 {
		return JobStatusRunning, fmt.Errorf("%w: interval and max wait must be positive", ErrInvalidRequest)
	}
	if c.token == "" {
		return JobStatusRunning, &AuthError{}
	}

	deadline := time.Now().Add(maxWait)
	polls := 0
	for {
		if ctx.Err() != nil {
			return JobStatusRunning, cancelled(ctx)
		}
		raw, err := c.queryStatus(ctx, handle)
		polls++
		statusPollsTotal.Inc()
		if err != nil {
			return JobStatusRunning, err
		}

		status := ParseStatus(raw)
		for _, observe := range observers {
			observe(status, raw)
		}
		c.logger.Debug("apify run polled", "run_id", handle.ID, "status", raw, "poll", polls)
		if status.Terminal() {
			c.logger.Info("apify run finished", "run_id", handle.ID, "status", status, "polls", polls)
			return status, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return JobStatusRunning, &PollTimeoutError{ID: handle.ID, MaxWait: maxWait, Polls: polls, LastStatus: raw}
		}
		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return JobStatusRunning, cancelled(ctx)
		}
	}
}

func (c *Client) queryStatus(ctx context.Context, handle JobHandle) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "status", runPath(handle.ID), nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}
		return "", &StatusQueryError{ID: handle.ID, Err: err}
	}
	if resp.statusCode != http.StatusOK {
		return "", &StatusQueryError{ID: handle.ID, StatusCode: resp.statusCode, Body: string(resp.body)}
	}

	var run runEnvelope
	if err := decodeEnvelope(resp.body, &run); err != nil {
		return "", &MalformedResponseError{Stage: "status", Body: string(resp.body), Err: err}
	}
	if run.Data.Status == "" {
		return "", &MalformedResponseError{Stage: "status", Body: string(resp.body), Err: errors.New("missing data.status")}
	}
	return run.Data.Status, nil
}
