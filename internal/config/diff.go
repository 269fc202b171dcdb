package config

import (
	"reflect"
	"sort"
	"strings"

	"cordkit/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"token":   true,
	"rest":    true,
	"gateway": true,
	"storage": true,
}

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (the token is never included) and the subset of sections that need a
// restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Token) != strings.TrimSpace(newCfg.Token) {
		changed = append(changed, "token")
		attrs = append(attrs, logx.Bool("token.set", strings.TrimSpace(newCfg.Token) != ""))
	}

	if !reflect.DeepEqual(oldCfg.REST, newCfg.REST) {
		changed = append(changed, "rest")
		attrs = append(attrs,
			logx.Int("rest.concurrency", newCfg.REST.Concurrency),
			logx.String("rest.max_wait", strings.TrimSpace(newCfg.REST.MaxWait)),
			logx.String("rest.sweep_schedule", strings.TrimSpace(newCfg.REST.SweepSchedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Int("gateway.shards", newCfg.Gateway.Shards),
			logx.Int("gateway.intent_count", len(newCfg.Gateway.Intents)),
			logx.Bool("gateway.compress", newCfg.Gateway.Compress),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	// Nil means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.session_ttl", strings.TrimSpace(newS.SessionTTL)),
		)
	}

	if oldCfg.Echo != newCfg.Echo {
		changed = append(changed, "echo")
		attrs = append(attrs,
			logx.Bool("echo.enabled", newCfg.Echo.Enabled),
			logx.String("echo.trigger", newCfg.Echo.TriggerOrDefault()),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
