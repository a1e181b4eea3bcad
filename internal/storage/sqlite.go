package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

//go:embed migrations.sql
var schema string

// sqliteStore keeps one row per job. Save writes only rows whose encoded
// body changed since the last successful commit, so a per-item result update
// touches a single row.
type sqliteStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	db     *sql.DB
	stored map[string]storedRow
}

type storedRow struct {
	seq  int
	body string
}

func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (JobStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// The registry is the only writer; one connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, path: path, stored: map[string]storedRow{}}, nil
}

func (s *sqliteStore) Load(ctx context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, body FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []job.Job{}
	stored := map[string]storedRow{}
	for rows.Next() {
		var (
			id, body string
			seq      int
		)
		if err := rows.Scan(&id, &seq, &body); err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, id, err)
		}
		if j.Results == nil {
			j.Results = []job.ItemResult{}
		}
		jobs = append(jobs, j)
		stored[id] = storedRow{seq: seq, body: body}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.stored = stored
	return jobs, nil
}

func (s *sqliteStore) Save(ctx context.Context, jobs []job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	next := make(map[string]storedRow, len(jobs))
	type change struct {
		id, status string
		row        storedRow
	}
	var changes []change
	for i, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		row := storedRow{seq: i + 1, body: string(b)}
		next[j.ID] = row
		if s.stored[j.ID] != row {
			changes = append(changes, change{id: j.ID, status: string(j.Status), row: row})
		}
	}
	var gone []string
	for id := range s.stored {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(changes) == 0 && len(gone) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range changes {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs(id, seq, status, body, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`,
			c.id, c.row.seq, c.status, c.row.body, now); err != nil {
			return fmt.Errorf("upsert job %s: %w", c.id, err)
		}
	}
	for _, id := range gone {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.stored = next
	return nil
}

// Quarantine moves every row of the current record into jobs_corrupt and
// leaves the jobs table empty. The rows stay there for manual recovery.
func (s *sqliteStore) Quarantine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs_corrupt(id, seq, status, body, updated_at, quarantined_at)
SELECT id, seq, status, body, updated_at, ? FROM jobs`, time.Now().Unix()); err != nil {
		return "", fmt.Errorf("copy corrupt rows: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return "", fmt.Errorf("clear jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.stored = map[string]storedRow{}
	n, _ := res.RowsAffected()
	s.log.Warn("sqlite job rows quarantined", logx.String("path", s.path), logx.Int64("rows", n))
	return s.path + "#jobs_corrupt", nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
