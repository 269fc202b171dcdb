package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
token: file-token
rest:
  concurrency: 8
  max_wait: 30s
  sweep_schedule: "@every 2m"
gateway:
  shards: 2
  intents: [guilds, guild_messages, message_content]
  compress: true
  presence:
    status: online
    activity: watching buckets
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/cordkit.db
  session_ttl: 24h
echo:
  enabled: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestLoadYAML(t *testing.T) {
	m := newTestManager(writeConfig(t, "cordkit.yaml", sampleYAML), nil)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Token)
	assert.Equal(t, 8, cfg.REST.Concurrency)
	assert.Equal(t, []string{"guilds", "guild_messages", "message_content"}, cfg.Gateway.Intents)
	require.NotNil(t, cfg.Gateway.Presence)
	assert.Equal(t, "watching buckets", cfg.Gateway.Presence.Activity)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "!ping", cfg.Echo.TriggerOrDefault())
	assert.Equal(t, "pong", cfg.Echo.ReplyOrDefault())
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSONRejectsUnknownAndTrailing(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"token":"x","gateway":{"intents":[],"shard_count":2}}`,
		"trailing data": `{"token":"x"}{"token":"y"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newTestManager(writeConfig(t, "cordkit.json", body), nil).Load()
			assert.Error(t, err)
		})
	}
}

func TestTokenFromEnv(t *testing.T) {
	path := writeConfig(t, "cordkit.json", `{"gateway":{"intents":["guilds"]}}`)

	_, err := newTestManager(path, nil).Load()
	assert.ErrorContains(t, err, TokenEnv)

	cfg, err := newTestManager(path, map[string]string{TokenEnv: " env-token "}).Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Token)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Token:   "x",
		REST:    RESTConfig{MaxWait: "soon", Concurrency: -1},
		Storage: &StorageConfig{Driver: "postgres"},
		Logging: LoggingConfig{Channel: LoggingChannel{Enabled: true}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "rest.max_wait")
	assert.ErrorContains(t, err, "rest.concurrency")
	assert.ErrorContains(t, err, "postgres")
	assert.ErrorContains(t, err, "channel_id")

	assert.NoError(t, (&Config{Token: "x"}).Validate())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("rest.max_wait", "-1s")
	assert.ErrorContains(t, err, "rest.max_wait")
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Token: "a", Logging: LoggingConfig{Level: "info"}, Echo: EchoConfig{Enabled: true}}
	next := &Config{Token: "b", Logging: LoggingConfig{Level: "debug"}, Echo: EchoConfig{Enabled: true, Reply: "pong!"},
		Gateway: GatewayConfig{Shards: 4}}

	changed, attrs, restart := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"echo", "gateway", "logging", "token"}, changed)
	assert.Equal(t, []string{"gateway", "token"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(old, old)
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeConfig(t, "cordkit.json", `{"token":"x","logging":{"level":"info"}}`)
	m := newTestManager(path, nil)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "loud" {
			return assert.AnError
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"token":"x","logging":{"level":"loud"}}`), 0o600))
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	case <-time.After(600 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"token":"x","logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{Token: "1"}, &Config{Token: "2"}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestDecodeConfigFormats(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		body   string
		format Format
	}{
		{"json by extension", "c.json", `{"token":"a"}`, FormatJSON},
		{"yaml by extension", "c.yml", "token: a\n", FormatYAML},
		{"json sniffed", "c.conf", "\n  {\"token\":\"a\"}", FormatJSON},
		{"yaml sniffed", "cordkit", "token: a\n", FormatYAML},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, format, err := decodeConfig(tc.path, []byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.format, format)
			assert.Equal(t, "a", cfg.Token)
		})
	}

	_, _, err := decodeConfig("c.yaml", []byte("token: a\n---\ntoken: b\n"))
	assert.ErrorContains(t, err, "multiple documents")

	cfg, _, err := decodeConfig("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Token)

	_, _, err = decodeConfig("c.yaml", []byte("token: a\nbogus: 1\n"))
	assert.ErrorContains(t, err, "bogus")
}

func TestHashConfigStable(t *testing.T) {
	a := &Config{Token: "x", Echo: EchoConfig{Enabled: true}}
	b := &Config{Token: "x", Echo: EchoConfig{Enabled: true}}
	assert.Equal(t, hashConfig(a), hashConfig(b))
	b.Echo.Reply = "hi"
	assert.NotEqual(t, hashConfig(a), hashConfig(b))
	assert.Zero(t, hashConfig(nil))
}
