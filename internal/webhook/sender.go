package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event is posted to a run's webhook URL whenever the run changes state.
type Event struct {
	RunID        string            `json:"run_id"`
	RemoteRunID  string            `json:"remote_run_id,omitempty"`
	RemoteStatus string            `json:"remote_status,omitempty"`
	Target       string            `json:"target"`
	Family       string            `json:"family"`
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ItemCount    int               `json:"item_count,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Sender interface {
	Notify(ctx context.Context, url string, event Event) error
}

// StatusError is returned when the receiver answered with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

type httpsender struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

func NewHTTPSender(timeout time.Duration, maxRetries int) Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &httpsender{
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		logger:      slog.Default(),
	}
}

// Notify posts event to url. Network errors, 429 and 5xx are retried with
// exponential backoff; other 4xx responses are final.
func (s *httpsender) Notify(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		retry, err := s.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == s.maxRetries {
			break
		}
		backoff := s.baseBackoff*(1<<attempt) + time.Duration(attempt*50)*time.Millisecond
		s.logger.Debug("webhook delivery failed, retrying", "run_id", event.RunID, "attempt", attempt+1, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Warn("webhook delivery failed", "run_id", event.RunID, "status", event.Status, "error", lastErr)
	return lastErr
}

func (s *httpsender) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
}
