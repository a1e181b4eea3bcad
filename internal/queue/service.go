package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkbot/internal/eventbus"
	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

var ErrNoItems = errors.New("items must be a non-empty array")

type SubmitRequest struct {
	Name  string     `json:"jobName,omitempty"`
	Items []job.Item `json:"items"`
}

type SubmitResult struct {
	JobID      string     `json:"jobId"`
	Status     job.Status `json:"status"`
	PollURL    string     `json:"pollUrl"`
	EventTopic string     `json:"wsEvent"`
}

// Service is the submission and read API over the registry.
type Service struct {
	reg     *Registry
	bus     eventbus.Bus
	trigger func()
	log     logx.Logger
	now     func() time.Time
}

// NewService wires the API. trigger is called after each submission to wake
// the runner; nil is allowed.
func NewService(reg *Registry, bus eventbus.Bus, trigger func(), log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if trigger == nil {
		trigger = func() {}
	}
	return &Service{reg: reg, bus: bus, trigger: trigger, log: log, now: time.Now}
}

// Submit persists a new queued job, announces it and wakes the runner. It
// returns before any item is processed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if len(req.Items) == 0 {
		return SubmitResult{}, ErrNoItems
	}
	j := job.Job{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Status:    job.StatusQueued,
		Items:     req.Items,
		Results:   []job.ItemResult{},
		CreatedAt: s.now().UTC(),
	}
	if err := s.reg.Insert(ctx, j); err != nil {
		return SubmitResult{}, err
	}

	s.publish(j.ID, Event{Type: EventQueued, Total: len(j.Items)})
	s.log.Info("job queued", logx.String("job", j.ID), logx.String("name", j.Name), logx.Int("items", len(j.Items)))
	s.trigger()

	return SubmitResult{
		JobID:      j.ID,
		Status:     job.StatusQueued,
		PollURL:    "/job/" + j.ID,
		EventTopic: Topic(j.ID),
	}, nil
}

func (s *Service) Get(id string) (job.Job, error) {
	j, ok := s.reg.Get(id)
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return j, nil
}

func (s *Service) List() []job.Job { return s.reg.List() }

func (s *Service) publish(jobID string, e Event) {
	if s.bus == nil {
		return
	}
	e.JobID = jobID
	s.bus.Publish(Topic(jobID), eventbus.Event{Type: e.Type, Data: e})
}

// Watch subscribes to a job topic. When the job is known the first event is a
// sync carrying its current snapshot; live events follow. The subscription is
// taken before the snapshot, so no transition can fall between them (a
// transition may appear in both). Call stop to release the subscription.
func (s *Service) Watch(jobID string, buffer int) (events <-chan Event, stop func()) {
	if buffer <= 0 {
		buffer = 64
	}
	src, unsub := s.bus.Subscribe(Topic(jobID), buffer)

	out := make(chan Event, buffer+1)
	if j, ok := s.reg.Get(jobID); ok {
		out <- Event{Type: EventSync, JobID: jobID, Job: &j}
	}

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			unsub()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case e, ok := <-src:
				if !ok {
					return
				}
				ev, ok := e.Data.(Event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()
	return out, stop
}
