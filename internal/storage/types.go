package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Session is the resumable state of one shard.
type Session struct {
	ShardID    int       `json:"shard_id"`
	ShardCount int       `json:"shard_count"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	ResumeURL  string    `json:"resume_url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
