package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1m"). Any field may be left empty to
// take its default; environment variables override the file.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Delay       DelayConfig       `json:"delay"`
	Runner      RunnerConfig      `json:"runner"`
	Telegram    TelegramConfig    `json:"telegram"`
	Personalize PersonalizeConfig `json:"personalize"`
	Events      EventsConfig      `json:"events"`
}

type HTTPConfig struct {
	Addr string `json:"addr"` // default ":3000"

	// APIToken guards every route except /healthz. Empty disables auth
	// (a warning is logged at startup).
	APIToken string `json:"api_token"`

	UploadDir   string `json:"upload_dir"`    // default "./uploads"
	MaxUploadMB int    `json:"max_upload_mb"` // default 64

	// Pprof mounts net/http/pprof under /debug behind the API token.
	Pprof bool `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job record backend.
//
//	"storage": { "driver": "file", "path": "./jobs.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DispatchConfig controls delivery.
//
// Defaults: driver "telegram" when a token is set, else "console";
// retries 2; retry_base "2s"; retry_jitter "3s"; fetch_timeout "30s".
type DispatchConfig struct {
	Driver       string  `json:"driver"`
	Retries      *int    `json:"retries,omitempty"`
	RetryBase    string  `json:"retry_base"`
	RetryJitter  string  `json:"retry_jitter"`
	FetchTimeout string  `json:"fetch_timeout"`
	RatePerSec   float64 `json:"rate_per_sec"`
	CountryCode  string  `json:"country_code"`
}

// DelayConfig bounds the randomized pause after each dispatched item.
// Defaults: min "8s", max "14s".
type DelayConfig struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type RunnerConfig struct {
	SweepInterval string `json:"sweep_interval"` // default "2s"
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
}

// PersonalizeConfig configures the document overlay step.
//
//	"personalize": {
//	  "driver": "command",
//	  "command": ["pdf-overlay", "--in", "{template}", "--name", "{name}", "--page", "{page}", "--out", "{out}"],
//	  "page": 2
//	}
type PersonalizeConfig struct {
	Driver   string   `json:"driver"`
	Command  []string `json:"command,omitempty"`
	Template string   `json:"template,omitempty"`
	Page     int      `json:"page,omitempty"`
	OutDir   string   `json:"out_dir,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

type EventsConfig struct {
	Buffer int         `json:"buffer"`
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}
