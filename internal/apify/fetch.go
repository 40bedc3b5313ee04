package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// FetchResult downloads the run's default dataset. Call it once the run has
// SUCCEEDED.
func (c *Client) FetchResult(ctx context.Context, handle JobHandle) (NormalizedResult, error) {
	if handle.ID == "" {
		return nil, fmt.Errorf("%w: run id must not be empty", ErrInvalidRequest)
	}
	if c.token == "" {
		return nil, &AuthError{}
	}

	resp, err := c.do(ctx, http.MethodGet, "dataset", datasetPath(handle.ID), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, &FetchError{ID: handle.ID, Err: err}
	}
	if resp.statusCode != http.StatusOK {
		return nil, &FetchError{ID: handle.ID, StatusCode: resp.statusCode, Body: string(resp.body)}
	}

	items, err := Normalize(resp.body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("apify dataset fetched", "run_id", handle.ID, "items", len(items))
	return items, nil
}

// Normalize coerces a dataset body into list form. A list is returned as is,
// a single object becomes a one-element list. Anything else is malformed.
// An empty list is a valid result.
func Normalize(raw json.RawMessage) (NormalizedResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &MalformedResponseError{Stage: "fetch", Body: string(raw), Err: errors.New("empty body")}
	}

	switch trimmed[0] {
	case '[':
		var items NormalizedResult
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &MalformedResponseError{Stage: "fetch", Body: string(raw), Err: err}
		}
		if items == nil {
			items = NormalizedResult{}
		}
		return items, nil
	case '{':
		if !json.Valid(trimmed) {
			return nil, &MalformedResponseError{Stage: "fetch", Body: string(raw), Err: errors.New("invalid JSON object")}
		}
		return NormalizedResult{append(json.RawMessage(nil), trimmed...)}, nil
	default:
		return nil, &MalformedResponseError{Stage: "fetch", Body: string(raw), Err: errors.New("expected a list or an object")}
	}
}
