package app

import (
	"fmt"
	"strings"
	"time"

	"cordkit/internal/config"
	"cordkit/internal/gateway"
	"cordkit/internal/observability/debug"
	"cordkit/internal/rest"
	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

const (
	defaultSessionTTL    = 24 * time.Hour
	defaultPruneSchedule = "@hourly"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    cfg.Logging.Channel.Enabled,
			ChannelID:  cfg.Logging.Channel.ChannelID,
			MinLevel:   cfg.Logging.Channel.MinLevel,
			RatePerSec: cfg.Logging.Channel.RatePerSec,
		},
	}
}

type restSettings struct {
	baseURL   string
	userAgent string
	dispatch  rest.Config
}

func mapRESTConfig(cfg *config.Config) (restSettings, error) {
	rc := cfg.REST
	out := restSettings{
		baseURL:   strings.TrimSpace(rc.BaseURL),
		userAgent: strings.TrimSpace(rc.UserAgent),
	}
	if out.baseURL == "" {
		out.baseURL = rest.DefaultBaseURL
	}
	if out.userAgent == "" {
		out.userAgent = rest.DefaultUserAgent
	}

	d := rest.Config{
		Concurrency:      rc.Concurrency,
		MaxRateLimitHits: rc.MaxRateLimitHits,
	}
	if rc.MaxRetries != nil {
		d.MaxRetries = *rc.MaxRetries
		if d.MaxRetries == 0 {
			d.MaxRetries = -1 // explicit 0 means no retries
		}
	}
	var err error
	if d.RetryBase, err = config.ParseDurationField("rest.retry_base", rc.RetryBase); err != nil {
		return restSettings{}, err
	}
	if d.RetryMaxDelay, err = config.ParseDurationField("rest.retry_max_delay", rc.RetryMaxDelay); err != nil {
		return restSettings{}, err
	}
	if d.MaxWait, err = config.ParseDurationField("rest.max_wait", rc.MaxWait); err != nil {
		return restSettings{}, err
	}
	if d.RequestTimeout, err = config.ParseDurationField("rest.request_timeout", rc.RequestTimeout); err != nil {
		return restSettings{}, err
	}
	if d.BucketIdleTTL, err = config.ParseDurationField("rest.bucket_idle_ttl", rc.BucketIdleTTL); err != nil {
		return restSettings{}, err
	}

	switch s := strings.TrimSpace(rc.SweepSchedule); {
	case s == "":
		d.SweepSchedule = rest.DefaultSweepSchedule
	case strings.EqualFold(s, "off"):
		d.SweepSchedule = ""
	default:
		d.SweepSchedule = s
	}
	out.dispatch = d
	return out, nil
}

// gatewaySettings is the gateway config before /gateway/bot fills the gaps.
type gatewaySettings struct {
	manager        gateway.ManagerConfig
	shards         int
	maxConcurrency int
	compress       bool
}

func mapGatewayConfig(cfg *config.Config) (gatewaySettings, error) {
	gc := cfg.Gateway
	intents, err := gateway.ParseIntents(gc.Intents)
	if err != nil {
		return gatewaySettings{}, fmt.Errorf("gateway.intents: %w", err)
	}
	mc := gateway.ManagerConfig{
		Token:             strings.TrimSpace(cfg.Token),
		URL:               strings.TrimSpace(gc.URL),
		Intents:           intents,
		LargeThreshold:    gc.LargeThreshold,
		CommandsPerMinute: gc.CommandsPerMinute,
		EventBuffer:       gc.EventBuffer,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.hello_timeout", gc.HelloTimeout, &mc.HelloTimeout},
		{"gateway.stop_ack_timeout", gc.StopAckTimeout, &mc.StopAckTimeout},
		{"gateway.invalid_session_delay", gc.InvalidSessionDelay, &mc.InvalidSessionDelay},
		{"gateway.reconnect_base", gc.ReconnectBase, &mc.ReconnectBase},
		{"gateway.reconnect_max", gc.ReconnectMax, &mc.ReconnectMax},
		{"gateway.health_interval", gc.HealthInterval, &mc.HealthInterval},
		{"gateway.identify_window", gc.IdentifyWindow, &mc.IdentifyWindow},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return gatewaySettings{}, err
		}
	}
	if p := gc.Presence; p != nil {
		pu := &gateway.PresenceUpdate{Status: strings.TrimSpace(p.Status), Activities: []gateway.Activity{}}
		if pu.Status == "" {
			pu.Status = "online"
		}
		if a := strings.TrimSpace(p.Activity); a != "" {
			pu.Activities = append(pu.Activities, gateway.Activity{Name: a})
		}
		mc.Presence = pu
	}
	return gatewaySettings{
		manager:        mc,
		shards:         gc.Shards,
		maxConcurrency: gc.MaxConcurrency,
		compress:       gc.Compress,
	}, nil
}

type storageSettings struct {
	open          storage.Config
	enabled       bool
	sessionTTL    time.Duration
	pruneSchedule string
}

func mapStorageConfig(cfg *config.Config) (storageSettings, error) {
	if cfg == nil || cfg.Storage == nil {
		return storageSettings{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storageSettings{}, nil
	}
	path := strings.TrimSpace(sc.Path)

	ttl, err := config.ParseDurationOrDefault("storage.session_ttl", sc.SessionTTL, defaultSessionTTL)
	if err != nil {
		return storageSettings{}, err
	}
	schedule := strings.TrimSpace(sc.PruneSchedule)
	if schedule == "" {
		schedule = defaultPruneSchedule
	}
	out := storageSettings{enabled: true, sessionTTL: ttl, pruneSchedule: schedule}

	switch driver {
	case "file":
		if path == "" {
			path = "./data/cordkit"
		}
		out.open = storage.Config{Driver: "file", Path: path}
	case "sqlite", "sqlite3":
		if path == "" {
			return storageSettings{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storageSettings{}, err
		}
		out.open = storage.Config{Driver: driver, Path: path, BusyTimeout: busy}
	default:
		return storageSettings{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return debug.Config{}, err
	}
	// Profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 2*time.Minute); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}
