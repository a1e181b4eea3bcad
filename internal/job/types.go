package job

import (
	"strings"
	"time"
)

// Status is the job-level lifecycle state. There is no failed terminal state:
// a job finishes once every item has been attempted.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// ResultStatus is the terminal outcome of one item.
type ResultStatus string

const (
	ResultSent   ResultStatus = "sent"
	ResultFailed ResultStatus = "failed" // dispatch attempted, retries exhausted
	ResultError  ResultStatus = "error"  // rejected before any dispatch attempt
)

// Item is one recipient + payload entry. Immutable once the job is created.
type Item struct {
	Phone     string `json:"phone"`
	Message   string `json:"message,omitempty"`
	Caption   string `json:"caption,omitempty"`
	MediaPath string `json:"mediaPath,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	Name      string `json:"name,omitempty"`

	// FileName / FileIndex bind a multipart upload to this item at submission.
	FileName  string `json:"fileName,omitempty"`
	FileIndex *int   `json:"fileIndex,omitempty"`
}

// Text returns the item's text payload (message, else caption).
func (it Item) Text() string {
	if it.Message != "" {
		return it.Message
	}
	return it.Caption
}

type ItemResult struct {
	Phone  string       `json:"phone"`
	Status ResultStatus `json:"status"`
	Index  int          `json:"index"`
	Error  string       `json:"error,omitempty"`
}

type Job struct {
	ID         string       `json:"id"`
	Name       string       `json:"jobName,omitempty"`
	Status     Status       `json:"status"`
	Items      []Item       `json:"items"`
	Results    []ItemResult `json:"results"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	cp := j
	if j.Items != nil {
		cp.Items = make([]Item, len(j.Items))
		for i, it := range j.Items {
			if it.FileIndex != nil {
				v := *it.FileIndex
				it.FileIndex = &v
			}
			cp.Items[i] = it
		}
	}
	cp.Results = append([]ItemResult(nil), j.Results...)
	if cp.Results == nil {
		cp.Results = []ItemResult{}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// Next returns the index of the next unprocessed item, or -1 when every item
// has a result.
func (j Job) Next() int {
	if len(j.Results) >= len(j.Items) {
		return -1
	}
	return len(j.Results)
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
