package config

// Config is the full daemon configuration.
//
// The file may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown fields are rejected either way. All durations are Go duration
// strings (e.g. "500ms", "15s", "2m").
type Config struct {
	// Timezone is the IANA zone recurring slots are interpreted in,
	// e.g. "Asia/Kolkata". Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Publisher  PublisherConfig  `json:"publisher"`
	Media      MediaConfig      `json:"media"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the job store database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatcherConfig controls the polling execution loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "15s"
//   - publish_timeout: "5m"
//   - stuck_after: "30m"
//   - max_attempts: 3 (one-shot jobs only)
//   - retry_delay: "2m"
type DispatcherConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`

	// StuckAfter is how long a job may sit in the running state before the
	// watchdog reclaims it. Keep it several times the publish timeout.
	StuckAfter string `json:"stuck_after,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
}

// PublisherConfig controls the Graph API client.
// Credentials are not stored here; they come from the env file.
type PublisherConfig struct {
	// EnvFile is the dotenv file holding ACCESS_TOKEN, APP_SECRET, etc.
	EnvFile string `json:"env_file,omitempty"`

	// GraphBaseURL overrides the Graph API endpoint (tests, proxies).
	GraphBaseURL string `json:"graph_base_url,omitempty"`

	// PublishPerHour caps outbound publish calls. 0 disables the limiter.
	PublishPerHour int `json:"publish_per_hour,omitempty"`

	// StatusPollInterval is how often a processing media container is polled.
	StatusPollInterval string `json:"status_poll_interval,omitempty"`
}

// MediaConfig controls the local media store and its public exposure.
type MediaConfig struct {
	Root string `json:"root"`

	// PublicBaseURL is the externally reachable prefix for stored media,
	// e.g. "https://media.example.com". The Graph API fetches assets from it.
	PublicBaseURL string `json:"public_base_url"`

	// Listen, if set (e.g. ":8000"), serves the media root over HTTP.
	Listen string `json:"listen,omitempty"`

	MaxFileSizeMB  int      `json:"max_file_size_mb,omitempty"`
	AllowedFormats []string `json:"allowed_formats,omitempty"`

	// CleanupAfterPost deletes a one-shot job's media file once it has been
	// published successfully.
	CleanupAfterPost bool `json:"cleanup_after_post"`
}
