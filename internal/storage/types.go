package storage

import (
	"context"
	"errors"
	"time"

	"bulkbot/internal/job"
)

var (
	// ErrCorrupt is returned by Load when the durable record exists but cannot be decoded.
	ErrCorrupt = errors.New("job record corrupt")
	ErrClosed  = errors.New("job store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON file (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore is the durable mapping from job id to job record.
//
// Load returns jobs in insertion order and creates an empty record when none
// exists. Save overwrites the full record synchronously.
type JobStore interface {
	Load(ctx context.Context) ([]job.Job, error)
	Save(ctx context.Context, jobs []job.Job) error
	Close() error
}

// Quarantiner is implemented by stores that can move a corrupt record aside so
// a fresh one can be started without destroying the old bytes.
type Quarantiner interface {
	Quarantine() (string, error)
}
