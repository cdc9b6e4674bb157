package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Session is the explicit context passed into every core call: configuration,
// the shared file handle cache, and persistent statistics.
type Session struct {
	ID     uuid.UUID
	Config *Config

	FDCache *FDCache
	Stats   *Stats

	mu     sync.Mutex
	nextID int
}

func New(cfg *Config) (*Session, error) {
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		return nil, err
	}

	stats, err := OpenStats(filepath.Join(cfg.ConfigDir, "stats.db"))
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:      uuid.New(),
		Config:  cfg,
		FDCache: NewFDCache(cfg.OpenFileLimit),
		Stats:   stats,
	}
	slog.Debug("session started", "id", s.ID, "configDir", cfg.ConfigDir)
	return s, nil
}

// NextTorrentID hands out session-unique torrent ids, used as file handle
// cache keys.
func (s *Session) NextTorrentID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// TorrentDir is where .torrent containers are kept.
func (s *Session) TorrentDir() string {
	return filepath.Join(s.Config.ConfigDir, "torrents")
}

// ResumeDir is where .resume progress files are kept.
func (s *Session) ResumeDir() string {
	return filepath.Join(s.Config.ConfigDir, "resume")
}

func (s *Session) Close() error {
	s.FDCache.Close()
	return s.Stats.Close()
}
