package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the environment overrides. Unset variables leave the file
// value alone.
type Env struct {
	Port          string `env:"PORT"`
	APIToken      string `env:"API_TOKEN"`
	MinDelayMS    *int   `env:"MIN_DELAY_MS"`
	MaxDelayMS    *int   `env:"MAX_DELAY_MS"`
	Retries       *int   `env:"RETRIES"`
	UploadDir     string `env:"UPLOAD_DIR"`
	JobsFile      string `env:"JOBS_FILE"`
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	CountryCode   string `env:"COUNTRY_CODE"`
	LogLevel      string `env:"LOG_LEVEL"`
	RedisAddr     string `env:"REDIS_ADDR"`
}

// LoadDotEnv loads ./.env (or the given files) when present. A missing file
// is not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("load .env file: %w", err)
		}
	}
	return nil
}

// ParseEnv reads overrides from the process environment, or from vars when
// it is non-nil.
func ParseEnv(vars map[string]string) (Env, error) {
	var e Env
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply overlays e onto cfg.
func (e Env) Apply(cfg *Config) {
	if p := strings.TrimSpace(e.Port); p != "" {
		if strings.Contains(p, ":") {
			cfg.HTTP.Addr = p
		} else {
			cfg.HTTP.Addr = ":" + p
		}
	}
	if e.APIToken != "" {
		cfg.HTTP.APIToken = e.APIToken
	}
	if e.MinDelayMS != nil {
		cfg.Delay.Min = strconv.Itoa(*e.MinDelayMS) + "ms"
	}
	if e.MaxDelayMS != nil {
		cfg.Delay.Max = strconv.Itoa(*e.MaxDelayMS) + "ms"
	}
	if e.Retries != nil {
		v := *e.Retries
		cfg.Dispatch.Retries = &v
	}
	if e.UploadDir != "" {
		cfg.HTTP.UploadDir = e.UploadDir
	}
	if e.JobsFile != "" {
		cfg.Storage.Path = e.JobsFile
	}
	if e.TelegramToken != "" {
		cfg.Telegram.Token = e.TelegramToken
	}
	if e.CountryCode != "" {
		cfg.Dispatch.CountryCode = e.CountryCode
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
	if e.RedisAddr != "" {
		cfg.Events.Redis.Enabled = true
		cfg.Events.Redis.Addr = e.RedisAddr
	}
}
