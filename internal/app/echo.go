package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"cordkit/internal/config"
	"cordkit/internal/gateway"
	"cordkit/internal/rest"
	"cordkit/pkg/logx"
)

// Replier sends a reply to a message.
type Replier interface {
	Reply(ctx context.Context, channelID, messageID, content string) (*rest.Message, error)
}

type echoSettings struct {
	enabled bool
	trigger string
	reply   string
}

type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
}

type echoJob struct {
	channelID string
	messageID string
	reply     string
}

// Echo answers messages equal to the trigger. Replies go through a bounded
// queue so a rate-limited channel never stalls event routing.
type Echo struct {
	replier  Replier
	log      logx.Logger
	settings atomic.Pointer[echoSettings]
	jobs     chan echoJob
}

func NewEcho(cfg config.EchoConfig, replier Replier, log logx.Logger) *Echo {
	e := &Echo{replier: replier, log: log, jobs: make(chan echoJob, 64)}
	e.Apply(cfg)
	return e
}

// Apply swaps trigger and reply at runtime.
func (e *Echo) Apply(cfg config.EchoConfig) {
	e.settings.Store(&echoSettings{
		enabled: cfg.Enabled,
		trigger: cfg.TriggerOrDefault(),
		reply:   cfg.ReplyOrDefault(),
	})
}

// HandleEvent queues a reply when ev is a matching MESSAGE_CREATE.
func (e *Echo) HandleEvent(ev gateway.Event) {
	if ev.Type != "MESSAGE_CREATE" {
		return
	}
	s := e.settings.Load()
	if !s.enabled {
		return
	}
	var m messageCreate
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		e.log.Debug("message decode failed", logx.Err(err))
		return
	}
	if m.Author.Bot || strings.TrimSpace(m.Content) != s.trigger {
		return
	}
	select {
	case e.jobs <- echoJob{channelID: m.ChannelID, messageID: m.ID, reply: s.reply}:
	default:
		e.log.Warn("echo queue full; reply dropped", logx.String("channel", m.ChannelID))
	}
}

// Run sends queued replies until ctx ends.
func (e *Echo) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			start := time.Now()
			if _, err := e.replier.Reply(ctx, j.channelID, j.messageID, j.reply); err != nil {
				if ctx.Err() == nil {
					e.log.Warn("echo reply failed", logx.String("channel", j.channelID), logx.Err(err))
				}
				continue
			}
			e.log.Debug("echo replied", logx.String("channel", j.channelID), logx.Duration("took", time.Since(start)))
		}
	}
}
