package app

import (
	"fmt"

	"bulkbot/internal/config"
	"bulkbot/internal/storage"
	logx "bulkbot/pkg/logx"
)

func mapStorageConfig(set config.Settings) storage.Config {
	return storage.Config{
		Driver:      set.Storage.Driver,
		Path:        set.Storage.Path,
		BusyTimeout: set.Storage.BusyTimeout,
	}
}

// OpenStore opens the job store named by the config at cfgPath without
// starting anything else. Used by the offline CLI commands.
func OpenStore(cfgPath string, env config.Env, log logx.Logger) (storage.JobStore, error) {
	cfg, err := config.NewManager(cfgPath, env).Parse()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return storage.Open(mapStorageConfig(set), log)
}
