package queue

import (
	"bulkbot/internal/job"
)

// Event types published on a job topic.
const (
	EventQueued   = "queued"
	EventStarted  = "started"
	EventItem     = "item"
	EventDelay    = "delay"
	EventFinished = "finished"
	EventSync     = "sync"
)

// Topic is the event topic for one job.
func Topic(jobID string) string { return "job:" + jobID }

// Event is the payload carried by every job-topic event.
type Event struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`

	// queued, started
	Total int `json:"total,omitempty"`

	// item
	Index  *int             `json:"index,omitempty"`
	Status job.ResultStatus `json:"status,omitempty"`
	Phone  string           `json:"phone,omitempty"`
	Error  string           `json:"error,omitempty"`

	// delay; set (possibly to 0) only on delay events
	MS *int64 `json:"ms,omitempty"`

	// finished
	Results []job.ItemResult `json:"results,omitempty"`

	// sync
	Job *job.Job `json:"job,omitempty"`
}
