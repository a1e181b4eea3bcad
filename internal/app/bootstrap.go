package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"bulkbot/internal/config"
	"bulkbot/internal/delay"
	"bulkbot/internal/dispatch"
	"bulkbot/internal/eventbus"
	"bulkbot/internal/httpapi"
	"bulkbot/internal/personalize"
	"bulkbot/internal/transport"
	"bulkbot/internal/transport/console"
	"bulkbot/internal/transport/telegram"
	logx "bulkbot/pkg/logx"
)

func mapLogConfig(set config.Settings) logx.Config {
	return logx.Config{
		Level:   set.Logging.Level,
		Console: set.Logging.Console,
		File: logx.FileConfig{
			Enabled: set.Logging.File.Enabled,
			Path:    set.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(set config.Settings) dispatch.Config {
	return dispatch.Config{
		Retries:      set.Dispatch.Retries,
		RetryBase:    set.Dispatch.RetryBase,
		RetryJitter:  set.Dispatch.RetryJitter,
		FetchTimeout: set.Dispatch.FetchTimeout,
		RatePerSec:   set.Dispatch.RatePerSec,
		CountryCode:  set.Dispatch.CountryCode,
	}
}

func mapPersonalizeConfig(set config.Settings) personalize.Config {
	return personalize.Config{
		Driver:   set.Personalize.Driver,
		Command:  set.Personalize.Command,
		Template: set.Personalize.Template,
		Page:     set.Personalize.Page,
		OutDir:   set.Personalize.OutDir,
		Timeout:  set.Personalize.Timeout,
	}
}

func mapHTTPConfig(set config.Settings) httpapi.Config {
	return httpapi.Config{
		Addr:           set.HTTP.Addr,
		APIToken:       set.HTTP.APIToken,
		UploadDir:      set.HTTP.UploadDir,
		MaxUploadBytes: set.HTTP.MaxUploadBytes,
		WatchBuffer:    set.Events.Buffer,
		Pprof:          set.HTTP.Pprof,
	}
}

func newDelayPolicy(set config.Settings) *delay.Policy {
	return delay.New(set.Delay.Min, set.Delay.Max, nil)
}

func newChannel(set config.Settings, bus eventbus.Bus, log logx.Logger) (transport.Channel, error) {
	switch set.Dispatch.Driver {
	case "telegram":
		return telegram.New(telegram.Config{
			Token:       set.Telegram.Token,
			PollTimeout: set.Telegram.PollTimeout,
		}, bus, log.Component("telegram"))
	case "console":
		return console.New(bus, log.Component("console")), nil
	default:
		return nil, fmt.Errorf("unknown dispatch driver %q", set.Dispatch.Driver)
	}
}

func newRedisClient(set config.Settings) *redis.Client {
	if !set.Events.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     set.Events.Redis.Addr,
		Password: set.Events.Redis.Password,
		DB:       set.Events.Redis.DB,
	})
}
