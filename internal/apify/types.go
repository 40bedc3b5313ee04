package apify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Family selects which trigger endpoint a job is started through.
type Family string

const (
	FamilyActor Family = "actor"
	FamilyTask  Family = "task"
)

func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyActor:
		return FamilyActor, nil
	case FamilyTask:
		return FamilyTask, nil
	default:
		return "", fmt.Errorf("%w: unknown family %q", ErrInvalidRequest, s)
	}
}

func (f Family) valid() bool {
	return f == FamilyActor || f == FamilyTask
}

// JobStatus is the coarse state of a remote run. Every non-terminal value the
// platform reports collapses to JobStatusRunning.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimedOut  JobStatus = "TIMED_OUT"
)

func ParseStatus(raw string) JobStatus {
	switch JobStatus(raw) {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut:
		return JobStatus(raw)
	default:
		return JobStatusRunning
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusTimedOut
}

// JobRequest is what gets started remotely. Input is sent as the JSON run input
// and is otherwise opaque.
type JobRequest struct {
	Target string
	Input  any
}

// JobHandle identifies a submitted run.
type JobHandle struct {
	ID     string `json:"id"`
	Family Family `json:"family"`
}

// NormalizedResult holds dataset items in list form regardless of the shape
// the platform answered with.
type NormalizedResult []json.RawMessage

// SportsbookInput is the run input understood by the sportsbook odds scraper.
type SportsbookInput struct {
	Sport              string             `json:"sport"`
	Bookmakers         []string           `json:"bookmakers,omitempty"`
	Markets            []string           `json:"markets,omitempty"`
	Regions            []string           `json:"regions,omitempty"`
	ProxyConfiguration ProxyConfiguration `json:"proxyConfiguration"`
}

type ProxyConfiguration struct {
	UseApifyProxy    bool     `json:"useApifyProxy"`
	ApifyProxyGroups []string `json:"apifyProxyGroups,omitempty"`
}

// DefaultSportsbookInput returns the scraper's documented example input.
func DefaultSportsbookInput() SportsbookInput {
	return SportsbookInput{
		Sport:      "americanfootball_nfl",
		Bookmakers: []string{"fanduel"},
		Markets:    []string{"h2h", "spreads", "totals"},
		Regions:    []string{"us"},
		ProxyConfiguration: ProxyConfiguration{
			UseApifyProxy:    true,
			ApifyProxyGroups: []string{"RESIDENTIAL"},
		},
	}
}
