package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bulkbot/internal/delay"
	"bulkbot/internal/eventbus"
	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

// Dispatcher delivers one item. It returns ctx.Err() when interrupted and any
// other error once its retry budget is exhausted.
type Dispatcher interface {
	Send(ctx context.Context, phone string, ref job.ContentRef, caption string) error
}

// Personalizer may replace an item's content just before dispatch. It never
// fails; on error it returns ref unchanged.
type Personalizer interface {
	Apply(ctx context.Context, it job.Item, ref job.ContentRef) job.ContentRef
}

// Runner slot states.
const (
	slotIdle int32 = iota
	slotSweeping
	slotRunning
)

type RunnerConfig struct {
	SweepInterval time.Duration
}

// Runner advances queued jobs one at a time through a single worker.
type Runner struct {
	reg  *Registry
	bus  eventbus.Bus
	disp Dispatcher
	pers Personalizer
	log  logx.Logger

	interval time.Duration
	policy   atomic.Pointer[delay.Policy]
	sleep    func(done <-chan struct{}, d time.Duration) bool

	slot    atomic.Int32
	current atomic.Value // string: id of the job in the slot
	trigger chan struct{}

	runMu   sync.Mutex
	running bool
}

func NewRunner(reg *Registry, bus eventbus.Bus, disp Dispatcher, pers Personalizer, pol *delay.Policy, cfg RunnerConfig, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	if pol == nil {
		pol = delay.New(8*time.Second, 14*time.Second, nil)
	}
	r := &Runner{
		reg:      reg,
		bus:      bus,
		disp:     disp,
		pers:     pers,
		log:      log,
		interval: cfg.SweepInterval,
		sleep:    delay.Sleep,
		trigger:  make(chan struct{}, 1),
	}
	r.policy.Store(pol)
	r.current.Store("")
	return r
}

// SetDelay swaps the delay policy; it applies from the next item.
func (r *Runner) SetDelay(p *delay.Policy) {
	if p != nil {
		r.policy.Store(p)
	}
}

func (r *Runner) Delay() *delay.Policy { return r.policy.Load() }

// Trigger requests a sweep without blocking. Requests coalesce.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// State reports the slot state: idle, sweeping or running.
func (r *Runner) State() string {
	switch r.slot.Load() {
	case slotSweeping:
		return "sweeping"
	case slotRunning:
		return "running"
	default:
		return "idle"
	}
}

// Current returns the id of the job being processed, if any.
func (r *Runner) Current() string {
	s, _ := r.current.Load().(string)
	return s
}

// Run drives sweeps from the periodic schedule and Trigger until ctx is
// canceled. One sweep runs at a time; triggers arriving meanwhile coalesce.
func (r *Runner) Run(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return errors.New("runner already running")
	}
	r.running = true
	r.runMu.Unlock()
	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
	}()

	c := cron.New(cron.WithLocation(time.Local))
	c.Schedule(cron.Every(r.interval), cron.FuncJob(r.Trigger))
	c.Start()
	defer func() {
		select {
		case <-c.Stop().Done():
		case <-time.After(2 * time.Second):
		}
	}()

	r.log.Info("runner started", logx.Duration("sweep_interval", r.interval))
	r.Trigger()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopped")
			return nil
		case <-r.trigger:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("sweep aborted", logx.Err(err))
			}
		}
	}
}

// Sweep processes jobs until none is runnable. A job left running by a
// previous process or an aborted sweep resumes first; otherwise the first
// queued job in insertion order starts. Sweep returns nil immediately when
// another sweep holds the slot.
func (r *Runner) Sweep(ctx context.Context) error {
	if !r.slot.CompareAndSwap(slotIdle, slotSweeping) {
		return nil
	}
	defer func() {
		r.current.Store("")
		r.slot.Store(slotIdle)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, ok := r.reg.First(job.StatusRunning)
		if !ok {
			j, ok = r.reg.First(job.StatusQueued)
		}
		if !ok {
			return nil
		}

		if !r.slot.CompareAndSwap(slotSweeping, slotRunning) {
			return errors.New("runner slot changed during sweep")
		}
		r.current.Store(j.ID)
		err := r.runJob(ctx, j)
		r.current.Store("")
		r.slot.Store(slotSweeping)
		if err != nil {
			return err
		}
	}
}

func (r *Runner) runJob(ctx context.Context, j job.Job) error {
	log := r.log.With(logx.String("job", j.ID))
	resumed := j.Status == job.StatusRunning

	if !resumed {
		var err error
		j, err = r.reg.Mutate(ctx, j.ID, func(j *job.Job) error {
			now := time.Now().UTC()
			j.Status = job.StatusRunning
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	r.publish(j.ID, Event{Type: EventStarted, Total: len(j.Items)})
	if resumed {
		log.Info("job resumed", logx.Int("from", len(j.Results)), logx.Int("items", len(j.Items)))
	} else {
		log.Info("job started", logx.Int("items", len(j.Items)))
	}

	start := time.Now()
	for idx := j.Next(); idx >= 0; idx = j.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, dispatched, err := r.processItem(ctx, j.Items[idx], idx)
		if err != nil {
			return err
		}

		// The outcome is recorded even if shutdown starts mid-save.
		j, err = r.reg.Mutate(context.WithoutCancel(ctx), j.ID, func(j *job.Job) error {
			if len(j.Results) != idx {
				return errors.New("result index out of order")
			}
			j.Results = append(j.Results, res)
			return nil
		})
		if err != nil {
			return err
		}
		i := idx
		r.publish(j.ID, Event{Type: EventItem, Index: &i, Status: res.Status, Phone: res.Phone, Error: res.Error})

		if !dispatched {
			continue
		}
		d := r.policy.Load().Next()
		ms := d.Milliseconds()
		r.publish(j.ID, Event{Type: EventDelay, MS: &ms})
		if !r.sleep(ctx.Done(), d) {
			return ctx.Err()
		}
	}

	j, err := r.reg.Mutate(ctx, j.ID, func(j *job.Job) error {
		now := time.Now().UTC()
		j.Status = job.StatusFinished
		if j.FinishedAt == nil {
			j.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(j.ID, Event{Type: EventFinished, Results: j.Results})

	failed := 0
	for _, res := range j.Results {
		if res.Status != job.ResultSent {
			failed++
		}
	}
	fields := []logx.Field{logx.Int("total", len(j.Items)), logx.Int("failed", failed), logx.Duration("dur", time.Since(start))}
	if failed > 0 {
		log.Warn("job finished with failures", fields...)
	} else {
		log.Info("job finished", fields...)
	}
	return nil
}

// processItem runs one item. dispatched reports whether a send was attempted
// (and so a delay is due). A non-nil error means the item was interrupted and
// must be retried later.
func (r *Runner) processItem(ctx context.Context, it job.Item, idx int) (res job.ItemResult, dispatched bool, err error) {
	phone := job.NormalizePhone(it.Phone)
	if phone == "" {
		return job.ItemResult{Phone: it.Phone, Status: job.ResultError, Index: idx, Error: "invalid phone"}, false, nil
	}

	ref := job.RefForItem(it)
	if r.pers != nil {
		ref = r.pers.Apply(ctx, it, ref)
	}

	sendErr := r.disp.Send(ctx, phone, ref, it.Text())
	if sendErr != nil && ctx.Err() != nil {
		return job.ItemResult{}, false, ctx.Err()
	}
	if sendErr != nil {
		return job.ItemResult{Phone: phone, Status: job.ResultFailed, Index: idx, Error: errorText(sendErr)}, true, nil
	}
	return job.ItemResult{Phone: phone, Status: job.ResultSent, Index: idx}, true, nil
}

func (r *Runner) publish(jobID string, e Event) {
	if r.bus == nil {
		return
	}
	e.JobID = jobID
	r.bus.Publish(Topic(jobID), eventbus.Event{Type: e.Type, Data: e})
}

func errorText(err error) string {
	s := strings.TrimSpace(err.Error())
	if s == "" {
		return "send failed"
	}
	return s
}
