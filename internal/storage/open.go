package storage

import (
	"fmt"
	"sort"
	"strings"

	logx "bulkbot/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (JobStore, error)

var drivers = map[string]opener{
	"":        openFile,
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver (default "file").
func Open(cfg Config, log logx.Logger) (JobStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (have %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	return open(cfg, log.With(logx.String("driver", name)))
}

// Drivers lists the registered driver names.
func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		if name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
