package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "bulkbot/pkg/logx"
)

// Manager owns the current configuration: it parses the file, overlays the
// environment, and republishes validated changes while watching the file.
type Manager struct {
	path string
	env  Env
	log  logx.Logger

	cur      atomic.Pointer[snapshot]
	validate func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

type snapshot struct {
	cfg *Config
	sum uint64
}

// NewManager creates a manager for path. An empty path means environment
// and defaults only.
func NewManager(path string, env Env) *Manager {
	return &Manager{
		path: path,
		env:  env,
		log:  logx.Nop(),
		subs: make(map[chan *Config]struct{}),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a check that must pass before a reload is committed.
// Call it before Watch.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file (if any) and applies the environment overrides. A
// missing file is not an error.
func (m *Manager) Parse() (*Config, error) {
	cfg := &Config{}
	if m.path != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if len(raw) > 0 {
			if cfg, err = decode(m.path, raw); err != nil {
				return nil, fmt.Errorf("%s: %w", m.path, err)
			}
		}
	}
	m.env.Apply(cfg)
	return cfg, nil
}

// Load parses and commits without validation or publishing. Used at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.cur.Store(&snapshot{cfg: cfg, sum: hashConfig(cfg)})
}

func (m *Manager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// Subscribe returns a channel that receives every published config. Slow
// subscribers only ever see the newest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for attempt := 0; ; attempt++ {
			select {
			case ch <- cfg:
			default:
				if attempt == 0 {
					// Full: discard the stale pending config and retry once.
					select {
					case <-ch:
					default:
					}
					continue
				}
				m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
			}
			break
		}
	}
}

// Reload parses, validates, commits and publishes. It reports whether a new
// config was published; an identical file is a no-op.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := hashConfig(cfg)
	if prev := m.cur.Load(); prev != nil && sum != 0 && prev.sum == sum {
		return false, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.validate(vctx, cfg); err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.cur.Store(&snapshot{cfg: cfg, sum: sum})
	m.publish(cfg)
	return true, nil
}

// settle is how long the file must stay quiet before a reload; editors
// write in bursts.
const settle = 250 * time.Millisecond

// Watch reloads on file changes until ctx is canceled. The directory is
// watched (not the file) so atomic rename-over saves are seen. A failed
// watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	changed := make(chan struct{}, 1)
	go m.reloadOnSignal(ctx, changed)

	wait := settle
	for ctx.Err() == nil {
		healthy, err := m.watchDir(ctx, changed)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			wait = settle
		}
		d := wait + rand.N(wait/2+1)
		m.log.Warn("config watcher stopped; restarting", logx.String("path", m.path), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		wait = min(wait*2, 5*time.Second)
	}
	return nil
}

// reloadOnSignal turns change signals into debounced reloads.
func (m *Manager) reloadOnSignal(ctx context.Context, changed <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			t.Reset(settle)
		case <-t.C:
			ok, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case ok:
				m.log.Debug("config published", logx.String("path", m.path))
			}
		}
	}
}

// watchDir runs one fsnotify watcher. healthy reports whether it got as far
// as watching, which resets the restart backoff.
func (m *Manager) watchDir(ctx context.Context, changed chan<- struct{}) (healthy bool, err error) {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("fsnotify events closed")
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				signal()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("fsnotify errors closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				signal()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
