package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Settings is Config with defaults applied and every duration parsed.
type Settings struct {
	HTTP struct {
		Addr           string
		APIToken       string
		UploadDir      string
		MaxUploadBytes int64
		Pprof          bool
	}
	Logging LoggingConfig
	Storage struct {
		Driver      string
		Path        string
		BusyTimeout time.Duration
	}
	Dispatch struct {
		Driver       string
		Retries      int
		RetryBase    time.Duration
		RetryJitter  time.Duration
		FetchTimeout time.Duration
		RatePerSec   float64
		CountryCode  string
	}
	Delay struct {
		Min time.Duration
		Max time.Duration
	}
	Runner struct {
		SweepInterval time.Duration
	}
	Telegram struct {
		Token       string
		PollTimeout time.Duration
	}
	Personalize struct {
		Driver   string
		Command  []string
		Template string
		Page     int
		OutDir   string
		Timeout  time.Duration
	}
	Events struct {
		Buffer int
		Redis  RedisConfig
	}
}

// Resolve validates cfg and fills defaults.
func Resolve(cfg *Config) (Settings, error) {
	var s Settings
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	dur := func(field, raw string, def time.Duration) time.Duration {
		d, err := Duration(field, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.HTTP.Addr = firstNonEmpty(cfg.HTTP.Addr, ":3000")
	s.HTTP.APIToken = strings.TrimSpace(cfg.HTTP.APIToken)
	s.HTTP.UploadDir = firstNonEmpty(cfg.HTTP.UploadDir, "./uploads")
	mb := cfg.HTTP.MaxUploadMB
	if mb <= 0 {
		mb = 64
	}
	s.HTTP.MaxUploadBytes = int64(mb) << 20
	s.HTTP.Pprof = cfg.HTTP.Pprof

	s.Logging = cfg.Logging
	s.Logging.Level = firstNonEmpty(cfg.Logging.Level, "info")
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		s.Logging.Console = true
	}

	s.Storage.Driver = strings.ToLower(firstNonEmpty(cfg.Storage.Driver, "file"))
	switch s.Storage.Driver {
	case "file":
		s.Storage.Path = firstNonEmpty(cfg.Storage.Path, "./jobs.json")
	case "sqlite", "sqlite3":
		s.Storage.Path = firstNonEmpty(cfg.Storage.Path, "./bulkbot.db")
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	s.Storage.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)

	s.Telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	s.Telegram.PollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)

	s.Dispatch.Driver = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Driver))
	if s.Dispatch.Driver == "" {
		s.Dispatch.Driver = "console"
		if s.Telegram.Token != "" {
			s.Dispatch.Driver = "telegram"
		}
	}
	switch s.Dispatch.Driver {
	case "console":
	case "telegram":
		if s.Telegram.Token == "" {
			errs = append(errs, errors.New("dispatch.driver telegram requires telegram.token"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.driver: unknown driver %q", cfg.Dispatch.Driver))
	}
	s.Dispatch.Retries = 2
	if cfg.Dispatch.Retries != nil {
		s.Dispatch.Retries = *cfg.Dispatch.Retries
		if s.Dispatch.Retries < 0 {
			errs = append(errs, errors.New("dispatch.retries must be >= 0"))
		}
	}
	s.Dispatch.RetryBase = dur("dispatch.retry_base", cfg.Dispatch.RetryBase, 2*time.Second)
	s.Dispatch.RetryJitter = dur("dispatch.retry_jitter", cfg.Dispatch.RetryJitter, 3*time.Second)
	s.Dispatch.FetchTimeout = dur("dispatch.fetch_timeout", cfg.Dispatch.FetchTimeout, 30*time.Second)
	if cfg.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	s.Dispatch.RatePerSec = cfg.Dispatch.RatePerSec
	s.Dispatch.CountryCode = strings.TrimSpace(cfg.Dispatch.CountryCode)

	// Delay bounds may be negative or inverted; the delay policy clamps and swaps.
	s.Delay.Min = signedDuration("delay.min", cfg.Delay.Min, 8*time.Second, &errs)
	s.Delay.Max = signedDuration("delay.max", cfg.Delay.Max, 14*time.Second, &errs)

	s.Runner.SweepInterval = dur("runner.sweep_interval", cfg.Runner.SweepInterval, 2*time.Second)
	if s.Runner.SweepInterval < time.Second {
		errs = append(errs, errors.New("runner.sweep_interval must be >= 1s"))
	}

	s.Personalize.Driver = strings.ToLower(firstNonEmpty(cfg.Personalize.Driver, "none"))
	s.Personalize.Command = cfg.Personalize.Command
	s.Personalize.Template = strings.TrimSpace(cfg.Personalize.Template)
	s.Personalize.Page = cfg.Personalize.Page
	s.Personalize.OutDir = strings.TrimSpace(cfg.Personalize.OutDir)
	s.Personalize.Timeout = dur("personalize.timeout", cfg.Personalize.Timeout, time.Minute)
	switch s.Personalize.Driver {
	case "none":
	case "command":
		if len(cfg.Personalize.Command) == 0 {
			errs = append(errs, errors.New("personalize.command is required for the command driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("personalize.driver: unknown driver %q", cfg.Personalize.Driver))
	}

	s.Events.Buffer = cfg.Events.Buffer
	if s.Events.Buffer <= 0 {
		s.Events.Buffer = 64
	}
	s.Events.Redis = cfg.Events.Redis
	if s.Events.Redis.Enabled {
		s.Events.Redis.Addr = firstNonEmpty(s.Events.Redis.Addr, "127.0.0.1:6379")
		if s.Events.Redis.Prefix == "" {
			s.Events.Redis.Prefix = "bulkbot:"
		}
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func signedDuration(field, raw string, def time.Duration, errs *[]error) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err))
		return 0
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
