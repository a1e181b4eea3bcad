package config

import (
	"reflect"
	"strings"

	logx "bulkbot/pkg/logx"
)

// Changes lists the sections that differ between two configs plus safe log
// fields describing the new values. Secrets are reported only as set/unset.
func Changes(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		fields = append(fields,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.api_token_set", strings.TrimSpace(newCfg.HTTP.APIToken) != ""),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		retries := -1
		if newCfg.Dispatch.Retries != nil {
			retries = *newCfg.Dispatch.Retries
		}
		fields = append(fields,
			logx.String("dispatch.driver", newCfg.Dispatch.Driver),
			logx.Int("dispatch.retries", retries),
		)
	}
	if oldCfg.Delay != newCfg.Delay {
		changed = append(changed, "delay")
		fields = append(fields, logx.String("delay.min", newCfg.Delay.Min), logx.String("delay.max", newCfg.Delay.Max))
	}
	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		fields = append(fields, logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""))
	}
	if !reflect.DeepEqual(oldCfg.Personalize, newCfg.Personalize) {
		changed = append(changed, "personalize")
		fields = append(fields, logx.String("personalize.driver", newCfg.Personalize.Driver))
	}
	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		fields = append(fields, logx.Bool("events.redis", newCfg.Events.Redis.Enabled))
	}
	return changed, fields
}

// RestartRequired reports sections whose changes only take effect after a
// restart (listeners, storage, channel sessions).
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "storage", "telegram", "events", "personalize", "runner":
			out = append(out, s)
		}
	}
	return out
}
