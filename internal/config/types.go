package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Engine controls campaign execution (worker caps, send pacing).
	Engine EngineConfig `json:"engine"`

	// Channels declares the delivery channels available to campaigns.
	Channels ChannelsConfig `json:"channels"`

	// Schedule controls the cron scan that admits due campaigns.
	Schedule ScheduleConfig `json:"schedule"`

	Pprof PprofConfig `json:"pprof,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./herald.db" }
//
// Nil (section omitted) means the in-memory store, which loses all campaign
// state on restart; only use it for development.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the campaign execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - campaign_concurrency: 1
//   - min_delay / max_delay: "0s" (no pacing)
//   - poll_tick: "500ms"
//   - assignment_refresh: "2s"
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// CampaignConcurrency is how many campaigns run at once. 1 keeps
	// campaigns strictly sequential.
	CampaignConcurrency int `json:"campaign_concurrency,omitempty"`

	// MinDelay/MaxDelay bound the jittered per-worker delay between sends.
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`

	// PollTick is how often a sleeping worker re-checks campaign status.
	PollTick string `json:"poll_tick,omitempty"`

	// AssignmentRefresh is how often a running campaign re-reads its channel
	// assignments.
	AssignmentRefresh string `json:"assignment_refresh,omitempty"`
}

type ChannelsConfig struct {
	Telegram []TelegramChannelConfig `json:"telegram,omitempty"`
	Gateway  []GatewayChannelConfig  `json:"gateway,omitempty"`
}

type TelegramChannelConfig struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"` // Go duration string
}

type GatewayChannelConfig struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	APIKey     string `json:"api_key,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // Go duration string
}

type ScheduleConfig struct {
	Enabled      bool   `json:"enabled"`
	ScanInterval string `json:"scan_interval,omitempty"` // Go duration string
	Timezone     string `json:"timezone,omitempty"`      // IANA TZ
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
