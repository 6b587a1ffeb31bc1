package config

// Default is the config used when no file is given: console logging,
// in-memory storage, scheduler on, API on loopback.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "memory"},
		Workers:   WorkersConfig{Count: 4},
		Scheduler: SchedulerConfig{Enabled: true, DefaultPriority: 10},
		API:       APIConfig{Enabled: true, Addr: "127.0.0.1:8470"},
	}
}
