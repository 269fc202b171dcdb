package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cordkit/pkg/logx"
)

const compactEvery = 500

// fileStore keeps sessions in memory and persists them as:
//   - <prefix>.sessions.snapshot.json (periodic snapshot)
//   - <prefix>.sessions.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	sessions     map[int]Session
	writes       int
}

type journalRecord struct {
	Op      string  `json:"op"`
	ShardID int     `json:"shard_id"`
	Session Session `json:"session"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".sessions.snapshot.json"
	journalPath := prefix + ".sessions.journal.jsonl"

	sessions := map[int]Session{}
	if err := loadSnapshot(snapPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("sessions", len(sessions)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		sessions:     sessions,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) PutSession(ctx context.Context, sess Session) error {
	_ = ctx
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", ShardID: sess.ShardID, Session: sess}); err != nil {
		return err
	}
	s.sessions[sess.ShardID] = sess
	return nil
}

func (s *fileStore) GetSession(ctx context.Context, shardID int) (Session, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[shardID]
	return sess, ok, nil
}

func (s *fileStore) DeleteSession(ctx context.Context, shardID int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[shardID]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", ShardID: shardID}); err != nil {
		return err
	}
	delete(s.sessions, shardID)
	return nil
}

func (s *fileStore) ListSessions(ctx context.Context) ([]Session, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func (s *fileStore) PruneSessions(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("session journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("session compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.sessions); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[int]Session) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[int]Session
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[int]Session) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			out[r.ShardID] = r.Session
		case "del":
			delete(out, r.ShardID)
		}
	}
	return sc.Err()
}
