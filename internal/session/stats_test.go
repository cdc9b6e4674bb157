package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsPersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")

	stats, err := OpenStats(dbPath)
	require.NoError(t, err)

	require.NoError(t, stats.FileCreated())
	require.NoError(t, stats.FileCreated())
	require.NoError(t, stats.AddBytesWritten(1024))
	require.NoError(t, stats.PieceVerified())
	require.NoError(t, stats.Close())

	stats, err = OpenStats(dbPath)
	require.NoError(t, err)
	defer stats.Close()

	snap, err := stats.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.FilesCreated)
	assert.Equal(t, uint64(1024), snap.BytesWritten)
	assert.Equal(t, uint64(0), snap.BytesRead)
	assert.Equal(t, uint64(1), snap.PiecesVerified)
}

func TestSessionNextTorrentID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfigDir = t.TempDir()

	s, err := New(&cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.NextTorrentID())
	assert.Equal(t, 2, s.NextTorrentID())
}
