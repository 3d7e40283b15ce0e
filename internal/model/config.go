// Package model defines the data structures for bestbefore's configuration, queue entries and products.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Storage   StorageConfig   `yaml:"storage"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Reminders RemindersConfig `yaml:"reminders"`
	Notify    NotifyConfig    `yaml:"notify"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Created string `yaml:"created"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite memory"`
	// Path is relative to the base directory unless absolute.
	Path string `yaml:"path" validate:"required_unless=Backend memory"`
}

type RemoteConfig struct {
	Backend           string `yaml:"backend" validate:"oneof=postgres postgrest memory"`
	DatabaseURL       string `yaml:"database_url" validate:"required_if=Backend postgres"`
	RestURL           string `yaml:"rest_url" validate:"omitempty,url"`
	APIKey            string `yaml:"api_key"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" validate:"gte=0"`
	MigrateOnStart    bool   `yaml:"migrate_on_start"`
}

type SyncConfig struct {
	RefreshIntervalSec int `yaml:"refresh_interval_sec" validate:"gte=0"`
	ReplayDebounceMs   int `yaml:"replay_debounce_ms" validate:"gte=0"`
}

type RemindersConfig struct {
	DefaultDays    int    `yaml:"default_days" validate:"gte=0"`
	Timezone       string `yaml:"timezone"`
	SettingsTTLSec int    `yaml:"settings_ttl_sec" validate:"gte=0"`
}

type NotifyConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Sender              string `yaml:"sender" validate:"omitempty,oneof=auto osascript notify-send log"`
	DispatchIntervalSec int    `yaml:"dispatch_interval_sec" validate:"gte=0"`
}

type LookupConfig struct {
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	TimeoutSec int    `yaml:"timeout_sec" validate:"gte=0"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec" validate:"gte=0"`
	HTTPAddr           string `yaml:"http_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}
