package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "groupcast/pkg/logx"
)

// fileStore keeps every snapshot in memory and mirrors the whole set to
// <prefix>.recipients.json on each write.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	closed bool
	snaps  map[string]Snapshot
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:   log,
		path:  filepath.Join(dir, base) + ".recipients.json",
		snaps: map[string]Snapshot{},
	}
	if err := loadSnapshots(s.path, s.snaps); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt cache file is not fatal: the directory will simply be fetched again.
		log.Warn("recipient cache file unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
	}
	pruneExpired(s.snaps, time.Now())
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	_ = ctx
	key := strings.TrimSpace(snap.Key)
	if key == "" {
		return nil
	}
	snap.Key = key
	snap.GroupIDs = append([]string(nil), snap.GroupIDs...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	s.snaps[key] = snap
	pruneExpired(s.snaps, time.Now())
	return s.flushLocked()
}

func (s *fileStore) GetSnapshot(ctx context.Context, key string) (Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[strings.TrimSpace(key)]
	if !ok || snap.Expired(time.Now()) {
		return Snapshot{}, false, nil
	}
	snap.GroupIDs = append([]string(nil), snap.GroupIDs...)
	return snap, true, nil
}

func (s *fileStore) DeleteSnapshot(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	key = strings.TrimSpace(key)
	if _, ok := s.snaps[key]; !ok {
		return nil
	}
	delete(s.snaps, key)
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snaps); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func loadSnapshots(path string, out map[string]Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Snapshot
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func pruneExpired(m map[string]Snapshot, now time.Time) {
	for k, v := range m {
		if v.Expired(now) {
			delete(m, k)
		}
	}
}
