package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Workers   WorkersConfig   `json:"workers"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`
	Notifier  NotifierConfig  `json:"notifier"`
	Jobs      JobsConfig      `json:"jobs"`

	// Schedules are synced into storage on start and on every reload.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// WorkersConfig sizes the worker pool.
//
// Defaults: count 4, default_timeout "0s" (none), retry_max 0,
// history_size 200.
type WorkersConfig struct {
	Count          int    `json:"count,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls the minute tick.
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Timezone        string `json:"timezone,omitempty"`
	DefaultPriority int    `json:"default_priority,omitempty"`
	// Hosts lists the tenants to schedule for. Empty means every host that
	// owns a stored schedule.
	Hosts []string `json:"hosts,omitempty"`
}

// APIConfig controls the HTTP control surface.
//
// Security note: bind to loopback, or set a token, or set allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8470"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	// EnqueueRatePerSec limits POST /v1/jobs. 0 means unlimited.
	EnqueueRatePerSec float64 `json:"enqueue_rate_per_sec,omitempty"`
	EnqueueBurst      int     `json:"enqueue_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig sends job failures to a Telegram chat.
type NotifierConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // never logged
	ChatID  int64  `json:"chat_id,omitempty"`
	// OnSuccess also reports successful runs.
	OnSuccess  bool `json:"on_success,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	RetryMax   int  `json:"retry_max,omitempty"`
	// DedupWindow suppresses identical messages within the window.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// JobsConfig tunes the built-in jobs.
type JobsConfig struct {
	Shell     ShellJobConfig     `json:"shell"`
	Systemd   SystemdJobConfig   `json:"systemd"`
	Speedtest SpeedtestJobConfig `json:"speedtest"`
}

type ShellJobConfig struct {
	Enabled bool   `json:"enabled"`
	Shell   string `json:"shell,omitempty"` // default "/bin/sh"
	// MaxOutput caps captured bytes. Default 64 KiB.
	MaxOutput int `json:"max_output,omitempty"`
}

type SystemdJobConfig struct {
	Enabled bool `json:"enabled"`
	// Units is the allowlist of unit names (without ".service").
	Units []string `json:"units,omitempty"`
}

type SpeedtestJobConfig struct {
	Enabled  bool   `json:"enabled"`
	ServerID string `json:"server_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ScheduleConfig declares a schedule in the config file.
type ScheduleConfig struct {
	Name     string         `json:"name"`
	Host     string         `json:"host,omitempty"`
	Job      string         `json:"job"`
	Minute   string         `json:"minute,omitempty"`
	Hour     string         `json:"hour,omitempty"`
	Month    string         `json:"month,omitempty"`
	Cron     string         `json:"cron,omitempty"`
	Priority *int           `json:"priority,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}
