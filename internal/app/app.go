package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bulkbot/internal/config"
	"bulkbot/internal/dispatch"
	"bulkbot/internal/eventbus"
	"bulkbot/internal/httpapi"
	"bulkbot/internal/job"
	"bulkbot/internal/personalize"
	"bulkbot/internal/queue"
	rtsup "bulkbot/internal/runtime/supervisor"
	"bulkbot/internal/storage"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
	"bulkbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	set  config.Settings
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.JobStore
	channel transport.Channel
	disp    *dispatch.Adapter
	pers    *personalize.Personalizer

	reg    *queue.Registry
	runner *queue.Runner
	jobs   *queue.Service
	http   *httpapi.Server

	redis *redis.Client
	relay *eventbus.RedisRelay

	sd systemd.Notifier
}

func NewApp(cfgPath string, env config.Env) (*App, error) {
	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(set))
	log = log.Component("app")

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(set), log.Component("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", set.Storage.Driver), logx.String("path", set.Storage.Path))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ch, err := newChannel(set, bus, log)
	if err != nil {
		return fail(err)
	}
	disp := dispatch.New(ch, mapDispatchConfig(set), log.Component("dispatch"))

	pers, err := personalize.New(mapPersonalizeConfig(set), log.Component("personalize"))
	if err != nil {
		return fail(err)
	}

	reg := queue.NewRegistry(store, log.Component("registry"))
	runner := queue.NewRunner(reg, bus, disp, pers, newDelayPolicy(set),
		queue.RunnerConfig{SweepInterval: set.Runner.SweepInterval},
		log.Component("runner"))
	jobs := queue.NewService(reg, bus, runner.Trigger, log.Component("jobs"))
	srv := httpapi.New(mapHTTPConfig(set), jobs, disp, log.Component("http"))

	a := &App{
		cfgm:    cfgm,
		set:     set,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		channel: ch,
		disp:    disp,
		pers:    pers,
		reg:     reg,
		runner:  runner,
		jobs:    jobs,
		http:    srv,
	}
	if rc := newRedisClient(set); rc != nil {
		a.redis = rc
		a.relay = eventbus.NewRedisRelay(rc, set.Events.Redis.Prefix, log.Component("redis"))
	}
	return a, nil
}

// Jobs exposes the submission surface (used by tests and embedders).
func (a *App) Jobs() *queue.Service { return a.jobs }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	driver := a.set.Dispatch.Driver

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	// Jobs must be loaded before the API accepts submissions or the runner sweeps.
	if err := a.reg.Load(a.sup.Context()); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	if err := a.channel.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	if !a.pers.Enabled() {
		a.log.Info("personalization disabled")
	}

	a.sup.Go("queue.runner", a.runner.Run)

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	if a.relay != nil {
		a.sup.GoRestart("events.redis", func(c context.Context) error {
			return a.relay.Run(c, a.bus)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute), rtsup.WithStopOnCleanExit(true))
	}

	a.startEventLog()
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("addr", a.http.Addr()),
		logx.String("channel", driver),
		logx.Int("jobs", len(a.reg.List())),
	)
	return nil
}

// startEventLog logs bus traffic and mirrors job progress into the systemd
// status line.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(eventbus.Wildcard, 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level: item and delay events fire per recipient.
				a.log.Debug("event", logx.String("topic", e.Topic), logx.String("type", e.Type), logx.Time("time", e.Time))

				switch e.Type {
				case queue.EventStarted:
					if qe, ok := e.Data.(queue.Event); ok {
						_, _ = a.sd.Status("sending job %s (%d items)", qe.JobID, qe.Total)
					}
				case queue.EventFinished:
					counts := a.reg.Count()
					_, _ = a.sd.Status("idle; %d queued", counts[job.StatusQueued])
				case transport.EventReady, transport.EventStopped:
					a.log.Info("channel "+e.Type, logx.Any("data", e.Data))
				}
			}
		}
	})
}

// startConfigReload applies hot-reloadable sections (logging, delay,
// dispatch) and warns about the rest.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.Changes(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := config.Resolve(newCfg)
	if err != nil {
		// The validator already rejected invalid configs; this only fires if
		// it was bypassed.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	a.logs.Apply(mapLogConfig(set))
	a.disp.Apply(mapDispatchConfig(set))
	if set.Delay != a.set.Delay {
		a.runner.SetDelay(newDelayPolicy(set))
		a.log.Info("delay updated", logx.Duration("min", set.Delay.Min), logx.Duration("max", set.Delay.Max))
	}
	if set.Dispatch.Driver != a.set.Dispatch.Driver {
		a.log.Warn("dispatch driver changed; restart required", logx.String("driver", set.Dispatch.Driver))
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.set = set

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()
	if id := a.runner.Current(); id != "" {
		a.log.Info("job interrupted; it resumes on next start", logx.String("job_id", id))
	}

	// First, cancel the app run context so the runner abandons its current
	// item (it resumes on the next start) and background loops unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, a.http.Stop)
	step("channel", 3*time.Second, a.channel.Stop)
	// Wait for the runner before closing storage so its last write lands.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("goroutines still running", logx.Any("names", a.sup.Running()))
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.redis != nil {
		step("redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}

	a.log.Info("stopped", logx.Any("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
