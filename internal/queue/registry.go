package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bulkbot/internal/job"
	"bulkbot/internal/storage"
	logx "bulkbot/pkg/logx"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Registry is the in-memory, insertion-ordered view of every job and the only
// writer to the JobStore. Writers are serialized; each write saves the full
// record and commits in memory only after the save succeeded.
type Registry struct {
	store storage.JobStore
	log   logx.Logger

	writeMu sync.Mutex // serializes Insert/Mutate including the save

	mu    sync.RWMutex
	order []string
	jobs  map[string]job.Job
}

func NewRegistry(store storage.JobStore, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log, jobs: map[string]job.Job{}}
}

// Load reads the durable record. A record that cannot be read or decoded is
// moved aside (when the store supports it) and the registry starts empty.
// Only a closed store or a canceled ctx is returned as an error.
func (r *Registry) Load(ctx context.Context) error {
	jobs, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrClosed) || ctx.Err() != nil {
			return err
		}
		r.log.Error("job record unreadable, starting empty", logx.Err(err), logx.Bool("corrupt", errors.Is(err, storage.ErrCorrupt)))
		if q, ok := r.store.(storage.Quarantiner); ok {
			if moved, qerr := q.Quarantine(); qerr != nil {
				r.log.Error("could not move job record aside", logx.Err(qerr))
			} else {
				r.log.Warn("job record moved aside", logx.String("path", moved))
			}
		}
		jobs = nil
	}

	order := make([]string, 0, len(jobs))
	m := make(map[string]job.Job, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			continue
		}
		if _, dup := m[j.ID]; !dup {
			order = append(order, j.ID)
		}
		m[j.ID] = j.Clone()
	}

	r.mu.Lock()
	r.order = order
	r.jobs = m
	r.mu.Unlock()
	r.log.Info("jobs loaded", logx.Int("count", len(order)))
	return nil
}

// Insert appends a new job and persists the record.
func (r *Registry) Insert(ctx context.Context, j job.Job) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	_, exists := r.jobs[j.ID]
	next := r.snapshotLocked()
	r.mu.RUnlock()
	if exists {
		return ErrExists
	}

	j = j.Clone()
	next = append(next, j)
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist jobs: %w", err)
	}

	r.mu.Lock()
	r.order = append(r.order, j.ID)
	r.jobs[j.ID] = j
	r.mu.Unlock()
	return nil
}

// Mutate applies fn to a copy of job id, persists the full record and then
// commits the copy. When fn or the save fails the registry is unchanged.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(j *job.Job) error) (job.Job, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	cur, ok := r.jobs[id]
	var next []job.Job
	if ok {
		next = r.snapshotLocked()
	}
	r.mu.RUnlock()
	if !ok {
		return job.Job{}, ErrNotFound
	}

	upd := cur.Clone()
	if err := fn(&upd); err != nil {
		return job.Job{}, err
	}
	for i := range next {
		if next[i].ID == id {
			next[i] = upd
			break
		}
	}
	if err := r.store.Save(ctx, next); err != nil {
		return job.Job{}, fmt.Errorf("persist jobs: %w", err)
	}

	r.mu.Lock()
	r.jobs[id] = upd
	r.mu.Unlock()
	return upd.Clone(), nil
}

func (r *Registry) Get(id string) (job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return j.Clone(), true
}

// List returns deep copies of every job in insertion order.
func (r *Registry) List() []job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]job.Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].Clone())
	}
	return out
}

// First returns the first job in insertion order with the given status.
func (r *Registry) First(st job.Status) (job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if j := r.jobs[id]; j.Status == st {
			return j.Clone(), true
		}
	}
	return job.Job{}, false
}

// Count returns the number of jobs per status.
func (r *Registry) Count() map[job.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[job.Status]int{}
	for _, j := range r.jobs {
		out[j.Status]++
	}
	return out
}

// snapshotLocked shares Items slices with the registry; callers must not
// mutate them. Caller holds r.mu.
func (r *Registry) snapshotLocked() []job.Job {
	out := make([]job.Job, 0, len(r.order)+1)
	for _, id := range r.order {
		out = append(out, r.jobs[id])
	}
	return out
}
