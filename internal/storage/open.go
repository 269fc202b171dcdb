package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"cordkit/pkg/logx"
)

// Store is the session persistence API used by the gateway.
type Store interface {
	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, shardID int) (Session, bool, error)
	DeleteSession(ctx context.Context, shardID int) error
	ListSessions(ctx context.Context) ([]Session, error)
	// PruneSessions deletes sessions not updated since before and returns
	// how many were removed.
	PruneSessions(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
