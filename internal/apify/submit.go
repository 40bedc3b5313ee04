package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// runEnvelope is the part of a run object this package reads.
type runEnvelope struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// Submit starts a run of target through the endpoint family and returns its
// handle. It makes exactly one request and never retries.
func (c *Client) Submit(ctx context.Context, target string, family Family, input any) (JobHandle, error) {
	if strings.TrimSpace(target) == "" {
		return JobHandle{}, fmt.Errorf("%w: target must not be empty", ErrInvalidRequest)
	}
	if !family.valid() {
		return JobHandle{}, fmt.Errorf("%w: unknown family %q", ErrInvalidRequest, family)
	}
	if c.token == "" {
		return JobHandle{}, &AuthError{}
	}

	payload := []byte("{}")
	if input != nil {
		var err error
		if payload, err = json.Marshal(input); err != nil {
			return JobHandle{}, fmt.Errorf("%w: encode input: %w", ErrInvalidRequest, err)
		}
	}

	resp, err := c.do(ctx, http.MethodPost, "start_"+string(family), startPath(family, target), payload)
	if err != nil {
		if ctx.Err() != nil {
			return JobHandle{}, cancelled(ctx)
		}
		return JobHandle{}, &SubmissionError{Target: target, Family: family, Err: err}
	}
	if resp.statusCode != http.StatusCreated {
		return JobHandle{}, &SubmissionError{
			Target:     target,
			Family:     family,
			StatusCode: resp.statusCode,
			Body:       string(resp.body),
		}
	}

	var run runEnvelope
	if err := decodeEnvelope(resp.body, &run); err != nil {
		return JobHandle{}, &MalformedResponseError{Stage: "submit", Body: string(resp.body), Err: err}
	}
	if run.Data.ID == "" {
		return JobHandle{}, &MalformedResponseError{Stage: "submit", Body: string(resp.body), Err: errors.New("missing data.id")}
	}

	handle := JobHandle{ID: run.Data.ID, Family: family}
	c.logger.Info("apify run started", "run_id", handle.ID, "target", target, "family", family, "status", run.Data.Status)
	return handle, nil
}

// decodeEnvelope decodes body into v, accepting either a bare object or a
// list holding exactly one object.
func decodeEnvelope(body []byte, v any) error {
	obj, err := unwrapSingleton(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(obj, v)
}

func unwrapSingleton(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	switch trimmed[0] {
	case '{':
		return trimmed, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		if len(items) != 1 {
			return nil, fmt.Errorf("expected a single-element list, got %d elements", len(items))
		}
		item := bytes.TrimSpace(items[0])
		if len(item) == 0 || item[0] != '{' {
			return nil, errors.New("list element is not an object")
		}
		return item, nil
	default:
		return nil, errors.New("expected an object or a single-element list")
	}
}
