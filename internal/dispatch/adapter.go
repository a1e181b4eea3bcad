package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bulkbot/internal/job"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

type Config struct {
	// Retries is the number of re-attempts after the first; a send makes
	// Retries+1 attempts in total.
	Retries     int
	RetryBase   time.Duration
	RetryJitter time.Duration

	FetchTimeout  time.Duration
	MaxFetchBytes int64

	// RatePerSec caps outbound calls; 0 disables the limiter.
	RatePerSec float64

	// CountryCode is prefixed to every normalized phone.
	CountryCode string
}

func (c Config) withDefaults() Config {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBase < 0 {
		c.RetryBase = 0
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = 50 << 20
	}
	c.CountryCode = job.NormalizePhone(c.CountryCode)
	return c
}

// DispatchError is returned once every attempt for a destination failed.
type DispatchError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Adapter delivers one item through the outbound channel with bounded retry.
type Adapter struct {
	ch   transport.Channel
	http *http.Client
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.http = c
		}
	}
}

// WithRandSource makes backoff jitter deterministic.
func WithRandSource(src rand.Source) Option {
	return func(a *Adapter) {
		if src != nil {
			a.rng = rand.New(src)
		}
	}
}

func New(ch transport.Channel, cfg Config, log logx.Logger, opts ...Option) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		ch:   ch,
		http: &http.Client{},
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(a)
	}
	a.Apply(cfg)
	return a
}

// Apply swaps retry, fetch and rate settings. In-flight sends keep the
// settings they started with.
func (a *Adapter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.limiter = lim
	a.mu.Unlock()
}

func (a *Adapter) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Ready reports whether the underlying channel can currently send.
func (a *Adapter) Ready() bool { return a.ch != nil && a.ch.Ready() }

// Info describes the underlying channel session.
func (a *Adapter) Info() transport.Info {
	if a.ch == nil {
		return transport.Info{}
	}
	return a.ch.Info()
}

// Backoff returns the wait after failed attempt n (1-based):
// RetryBase*n plus a uniform jitter in [0, RetryJitter].
func (a *Adapter) Backoff(attempt int) time.Duration {
	cfg := a.Config()
	return a.backoff(cfg, attempt)
}

func (a *Adapter) backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase * time.Duration(attempt)
	if cfg.RetryJitter > 0 {
		a.rngMu.Lock()
		d += time.Duration(a.rng.Int63n(int64(cfg.RetryJitter) + 1))
		a.rngMu.Unlock()
	}
	return d
}

// Send delivers ref (or caption alone when ref is None) to the phone's
// destination. It returns nil on success, ctx.Err() when interrupted, and
// *DispatchError once Retries+1 attempts have failed. A channel that is not
// ready counts as a failed attempt.
func (a *Adapter) Send(ctx context.Context, phone string, ref job.ContentRef, caption string) error {
	a.mu.Lock()
	cfg := a.cfg
	lim := a.limiter
	a.mu.Unlock()

	dest := cfg.CountryCode + job.NormalizePhone(phone)
	attempts := cfg.Retries + 1

	var (
		media *transport.Media
		last  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		last = a.attempt(ctx, cfg, dest, ref, caption, &media)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}

		wait := a.backoff(cfg, attempt)
		a.log.Debug("send retry scheduled",
			logx.String("to", dest),
			logx.Int("attempt", attempt+1),
			logx.Duration("backoff", wait),
			logx.Err(last),
		)
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}

	a.log.Warn("send failed", logx.String("to", dest), logx.Int("attempts", attempts), logx.Err(last))
	return &DispatchError{Destination: dest, Attempts: attempts, Err: last}
}

// attempt performs one delivery. A successful resolution is cached in media
// so retries do not refetch.
func (a *Adapter) attempt(ctx context.Context, cfg Config, dest string, ref job.ContentRef, caption string, media **transport.Media) error {
	if a.ch == nil || !a.ch.Ready() {
		return transport.ErrNotReady
	}
	if ref.Kind == job.RefNone {
		text := caption
		if strings.TrimSpace(text) == "" {
			text = " "
		}
		return a.ch.SendText(ctx, dest, text)
	}
	if *media == nil {
		m, err := a.resolve(ctx, cfg, ref)
		if err != nil {
			return err
		}
		*media = &m
	}
	return a.ch.SendMedia(ctx, dest, **media, caption)
}

var errEmptyContent = errors.New("content is empty")
