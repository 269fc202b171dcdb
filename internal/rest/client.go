package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultBaseURL   = "https://discord.com/api/v10"
	DefaultUserAgent = "DiscordBot (https://github.com/cordkit/cordkit, 0.1.0)"
)

// CallOption adjusts a single call.
type CallOption func(*Request)

// WithReason attaches an audit log reason.
func WithReason(reason string) CallOption {
	return func(r *Request) {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return
		}
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
	}
}

// Client is the JSON surface over a Dispatcher.
type Client struct {
	d *Dispatcher
}

func NewClient(d *Dispatcher) *Client { return &Client{d: d} }

// Dispatcher returns the underlying dispatcher.
func (c *Client) Dispatcher() *Dispatcher { return c.d }

func (c *Client) Get(ctx context.Context, path string, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodGet, path, nil, out, opts)
}

func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodPost, path, body, out, opts)
}

func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodPut, path, body, out, opts)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodPatch, path, body, out, opts)
}

func (c *Client) Delete(ctx context.Context, path string, out any, opts ...CallOption) error {
	return c.call(ctx, http.MethodDelete, path, nil, out, opts)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any, opts []CallOption) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: encode %s %s: %w", method, path, err)
		}
		raw = b
	}
	req := NewRequest(method, path, raw)
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.d.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || resp.Status == http.StatusNoContent || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("rest: decode %s: %w", req.Route(), err)
	}
	return nil
}

// GatewayBotInfo is the response of GET /gateway/bot.
type GatewayBotInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

func (c *Client) GatewayBot(ctx context.Context) (*GatewayBotInfo, error) {
	var info GatewayBotInfo
	if err := c.Get(ctx, "/gateway/bot", &info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, errors.New("rest: gateway/bot returned no url")
	}
	return &info, nil
}

// Message is the subset of a message object the client reads back.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type createMessageBody struct {
	Content          string            `json:"content"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
}

type messageReference struct {
	MessageID string `json:"message_id"`
}

func (c *Client) CreateMessage(ctx context.Context, channelID, content string) (*Message, error) {
	return c.createMessage(ctx, channelID, createMessageBody{Content: content})
}

// Reply posts content as a reply to messageID.
func (c *Client) Reply(ctx context.Context, channelID, messageID, content string) (*Message, error) {
	return c.createMessage(ctx, channelID, createMessageBody{
		Content:          content,
		MessageReference: &messageReference{MessageID: messageID},
	})
}

func (c *Client) createMessage(ctx context.Context, channelID string, body createMessageBody) (*Message, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("rest: empty channel id")
	}
	var m Message
	if err := c.Post(ctx, "/channels/"+channelID+"/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string, opts ...CallOption) error {
	return c.Delete(ctx, "/channels/"+channelID+"/messages/"+messageID, nil, opts...)
}

// Role is the subset of a guild role the client reads back.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
}

// RoleParams are the editable role fields. Nil pointers are left unchanged.
type RoleParams struct {
	Name        *string `json:"name,omitempty"`
	Color       *int    `json:"color,omitempty"`
	Hoist       *bool   `json:"hoist,omitempty"`
	Mentionable *bool   `json:"mentionable,omitempty"`
}

func (c *Client) CreateGuildRole(ctx context.Context, guildID string, p RoleParams, opts ...CallOption) (*Role, error) {
	var r Role
	if err := c.Post(ctx, "/guilds/"+guildID+"/roles", p, &r, opts...); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) EditGuildRole(ctx context.Context, guildID, roleID string, p RoleParams, opts ...CallOption) (*Role, error) {
	var r Role
	if err := c.Patch(ctx, "/guilds/"+guildID+"/roles/"+roleID, p, &r, opts...); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) DeleteGuildRole(ctx context.Context, guildID, roleID string, opts ...CallOption) error {
	return c.Delete(ctx, "/guilds/"+guildID+"/roles/"+roleID, nil, opts...)
}

// SendLog posts a log line to a channel.
func (c *Client) SendLog(ctx context.Context, channelID, text string) error {
	_, err := c.CreateMessage(ctx, channelID, text)
	return err
}
