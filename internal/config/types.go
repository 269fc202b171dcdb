package config

import (
	"errors"
	"fmt"
	"strings"
)

// TokenEnv supplies the bot token when the file leaves it empty.
const TokenEnv = "CORDKIT_TOKEN"

type Config struct {
	Token   string         `json:"token"`
	REST    RESTConfig     `json:"rest"`
	Gateway GatewayConfig  `json:"gateway"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Echo    EchoConfig     `json:"echo"`
	Debug   DebugConfig    `json:"debug"`
}

// RESTConfig controls the rate-limited HTTP dispatcher.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the dispatcher defaults.
type RESTConfig struct {
	BaseURL          string `json:"base_url,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	Concurrency      int    `json:"concurrency,omitempty"`
	MaxRetries       *int   `json:"max_retries,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	MaxRateLimitHits int    `json:"max_rate_limit_hits,omitempty"`
	MaxWait          string `json:"max_wait,omitempty"`
	RequestTimeout   string `json:"request_timeout,omitempty"`
	BucketIdleTTL    string `json:"bucket_idle_ttl,omitempty"`
	// SweepSchedule is a cron spec or "@every <duration>". "off" disables
	// idle bucket removal.
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// GatewayConfig controls the shard fleet.
//
// Shards and MaxConcurrency of 0 use the values recommended by
// GET /gateway/bot. URL overrides the returned gateway URL.
type GatewayConfig struct {
	URL            string   `json:"url,omitempty"`
	Shards         int      `json:"shards,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Intents        []string `json:"intents"`
	Compress       bool     `json:"compress,omitempty"`
	LargeThreshold int      `json:"large_threshold,omitempty"`

	HelloTimeout        string `json:"hello_timeout,omitempty"`
	StopAckTimeout      string `json:"stop_ack_timeout,omitempty"`
	InvalidSessionDelay string `json:"invalid_session_delay,omitempty"`
	ReconnectBase       string `json:"reconnect_base,omitempty"`
	ReconnectMax        string `json:"reconnect_max,omitempty"`
	HealthInterval      string `json:"health_interval,omitempty"`
	IdentifyWindow      string `json:"identify_window,omitempty"`
	CommandsPerMinute   int    `json:"commands_per_minute,omitempty"`
	EventBuffer         int    `json:"event_buffer,omitempty"`

	Presence *PresenceConfig `json:"presence,omitempty"`
}

type PresenceConfig struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel mirrors WARN+ log lines into a chat channel.
type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls session persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cordkit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// SessionTTL drops stored sessions not updated for this long.
	SessionTTL    string `json:"session_ttl,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// EchoConfig answers a trigger message with a fixed reply.
type EchoConfig struct {
	Enabled bool   `json:"enabled"`
	Trigger string `json:"trigger,omitempty"`
	Reply   string `json:"reply,omitempty"`
}

func (e EchoConfig) TriggerOrDefault() string {
	if t := strings.TrimSpace(e.Trigger); t != "" {
		return t
	}
	return "!ping"
}

func (e EchoConfig) ReplyOrDefault() string {
	if r := strings.TrimSpace(e.Reply); r != "" {
		return r
	}
	return "pong"
}

// DebugConfig controls the operator HTTP endpoint (health, snapshots, pprof).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// Validate checks fields that do not need other packages to interpret.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, fmt.Errorf("token is required (or set %s)", TokenEnv))
	}

	durations := map[string]string{
		"rest.retry_base":               c.REST.RetryBase,
		"rest.retry_max_delay":          c.REST.RetryMaxDelay,
		"rest.max_wait":                 c.REST.MaxWait,
		"rest.request_timeout":          c.REST.RequestTimeout,
		"rest.bucket_idle_ttl":          c.REST.BucketIdleTTL,
		"gateway.hello_timeout":         c.Gateway.HelloTimeout,
		"gateway.stop_ack_timeout":      c.Gateway.StopAckTimeout,
		"gateway.invalid_session_delay": c.Gateway.InvalidSessionDelay,
		"gateway.reconnect_base":        c.Gateway.ReconnectBase,
		"gateway.reconnect_max":         c.Gateway.ReconnectMax,
		"gateway.health_interval":       c.Gateway.HealthInterval,
		"gateway.identify_window":       c.Gateway.IdentifyWindow,
		"debug.read_timeout":            c.Debug.ReadTimeout,
		"debug.write_timeout":           c.Debug.WriteTimeout,
		"debug.idle_timeout":            c.Debug.IdleTimeout,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
		durations["storage.session_ttl"] = c.Storage.SessionTTL
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.REST.Concurrency < 0 {
		errs = append(errs, errors.New("rest.concurrency must be >= 0"))
	}
	if c.Gateway.Shards < 0 {
		errs = append(errs, errors.New("gateway.shards must be >= 0"))
	}
	if c.Gateway.MaxConcurrency < 0 {
		errs = append(errs, errors.New("gateway.max_concurrency must be >= 0"))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}
	if c.Logging.Channel.Enabled && strings.TrimSpace(c.Logging.Channel.ChannelID) == "" {
		errs = append(errs, errors.New("logging.channel.channel_id is required when enabled"))
	}
	return errors.Join(errs...)
}
