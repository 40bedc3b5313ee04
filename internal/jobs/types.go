package jobs

import (
	"encoding/json"
	"time"

	"github.com/paulgrammer/apifyjobs/internal/apify"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// CreateRunRequest is the body of POST /runs. Empty Target and Family fall
// back to the service defaults.
type CreateRunRequest struct {
	Target     string            `json:"target,omitempty"`
	Family     string            `json:"family,omitempty"`
	Input      json.RawMessage   `json:"input,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Run is the local record of one RunJob invocation.
type Run struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	Family     apify.Family      `json:"family"`
	Input      json.RawMessage   `json:"input,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Status       RunStatus              `json:"status"`
	RemoteRunID  string                 `json:"remote_run_id,omitempty"`
	RemoteStatus string                 `json:"remote_status,omitempty"`
	Polls        int                    `json:"polls,omitempty"`
	Cached       bool                   `json:"cached,omitempty"`
	Items        apify.NormalizedResult `json:"items,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
	RemoteStatusCode int    `json:"remote_status_code,omitempty"`
	RemoteBody       string `json:"remote_body,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
