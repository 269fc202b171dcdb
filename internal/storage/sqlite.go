package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cordkit/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shard_sessions(shard_id, shard_count, session_id, seq, resume_url, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(shard_id) DO UPDATE SET
		   shard_count=excluded.shard_count,
		   session_id=excluded.session_id,
		   seq=excluded.seq,
		   resume_url=excluded.resume_url,
		   updated_at=excluded.updated_at`,
		sess.ShardID, sess.ShardCount, sess.SessionID, sess.Seq, nullStr(sess.ResumeURL), sess.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, shardID int) (Session, bool, error) {
	if s == nil || s.db == nil {
		return Session{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT shard_id, shard_count, session_id, seq, resume_url, updated_at FROM shard_sessions WHERE shard_id = ?`, shardID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, shardID int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE shard_id = ?`, shardID)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT shard_id, shard_count, session_id, seq, resume_url, updated_at FROM shard_sessions ORDER BY shard_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneSessions(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess      Session
		resumeURL sql.NullString
		updated   int64
	)
	if err := r.Scan(&sess.ShardID, &sess.ShardCount, &sess.SessionID, &sess.Seq, &resumeURL, &updated); err != nil {
		return Session{}, err
	}
	sess.ResumeURL = resumeURL.String
	sess.UpdatedAt = time.UnixMilli(updated)
	return sess, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
