package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

// fileStore keeps every job in one JSON object keyed by id:
//
//	{
//	  "<id>": { ...job... },
//	  ...
//	}
//
// Keys are written in insertion order. Writes go through <path>.tmp + rename
// so a crash mid-write never leaves a truncated record behind.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (JobStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./jobs.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Load(ctx context.Context) ([]job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.writeLocked(nil); err != nil {
			return nil, err
		}
		s.log.Info("job record created", logx.String("path", s.path))
		return []job.Job{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []job.Job{}, nil
	}
	jobs, err := decodeOrdered(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return jobs, nil
}

func (s *fileStore) Save(ctx context.Context, jobs []job.Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(jobs)
}

func (s *fileStore) writeLocked(jobs []job.Job) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := encodeOrdered(w, jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Quarantine renames the current record to <path>.corrupt-<unix>.
func (s *fileStore) Quarantine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func encodeOrdered(w io.Writer, jobs []job.Job) error {
	if len(jobs) == 0 {
		_, err := io.WriteString(w, "{}\n")
		return err
	}
	if _, err := io.WriteString(w, "{\n"); err != nil {
		return err
	}
	for i, j := range jobs {
		key, err := json.Marshal(j.ID)
		if err != nil {
			return err
		}
		body, err := json.MarshalIndent(j, "  ", "  ")
		if err != nil {
			return err
		}
		sep := ",\n"
		if i == len(jobs)-1 {
			sep = "\n"
		}
		if _, err := fmt.Fprintf(w, "  %s: %s%s", key, body, sep); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

// decodeOrdered reads a {id: job} object while keeping key order.
func decodeOrdered(r io.Reader) ([]job.Job, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	out := []job.Job{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", tok)
		}
		var j job.Job
		if err := dec.Decode(&j); err != nil {
			return nil, fmt.Errorf("job %q: %w", key, err)
		}
		if j.ID == "" {
			j.ID = key
		}
		if j.Results == nil {
			j.Results = []job.ItemResult{}
		}
		out = append(out, j)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}
