package storage

import (
	"bytes"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.ConfigDir = t.TempDir()
	cfg.DownloadDir = t.TempDir()
	cfg.Preallocation = session.PreallocationNone

	s, err := session.New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testInfo(pieceLength int, lengths ...int64) *metainfo.Info {
	files := make([]metainfo.FileInfo, 0, len(lengths))
	var offset int64
	for i, l := range lengths {
		files = append(files, metainfo.FileInfo{
			Path:   filepath.Join("t", string(rune('A'+i))),
			Length: l,
			Offset: offset,
		})
		offset += l
	}

	pieceCount := int((offset + int64(pieceLength) - 1) / int64(pieceLength))
	return &metainfo.Info{
		Name:        "t",
		PieceLength: pieceLength,
		Pieces:      make([][20]byte, pieceCount),
		Files:       files,
	}
}

func TestLocateSkipsZeroLengthFiles(t *testing.T) {
	s := newTestSession(t)
	e := NewIO(s, 1, testInfo(512, 1000, 0, 2000), s.Config.DownloadDir, nil)

	tests := map[string]struct {
		piece       int
		pieceOffset int64
		fileIndex   int
		fileOffset  int64
	}{
		"start of torrent":          {0, 0, 0, 0},
		"inside first file":         {1, 100, 0, 612},
		"last byte of first file":   {1, 487, 0, 999},
		"boundary lands past empty": {1, 488, 2, 0},
		"inside last file":          {3, 0, 2, 536},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fileIndex, fileOffset := e.Locate(tt.piece, tt.pieceOffset)
			assert.Equal(t, tt.fileIndex, fileIndex)
			assert.Equal(t, tt.fileOffset, fileOffset)
		})
	}
}

func TestLocateCoverage(t *testing.T) {
	s := newTestSession(t)
	info := testInfo(512, 300, 0, 0, 700, 24)
	e := NewIO(s, 1, info, s.Config.DownloadDir, nil)

	total := info.TotalLength()
	for g := int64(0); g < total; g++ {
		piece := int(g / int64(info.PieceLength))
		fileIndex, fileOffset := e.Locate(piece, g%int64(info.PieceLength))

		f := info.Files[fileIndex]
		require.Greater(t, f.Length, int64(0), "offset %d resolved to empty file", g)
		require.Less(t, fileOffset, f.Length)
		require.Equal(t, g, f.Offset+fileOffset)
	}
}

func TestLocatePanicsOutOfRange(t *testing.T) {
	s := newTestSession(t)
	e := NewIO(s, 1, testInfo(512, 1000), s.Config.DownloadDir, nil)

	assert.Panics(t, func() { e.Locate(1, 488) })
}

func TestWriteReadAcrossFileBoundary(t *testing.T) {
	s := newTestSession(t)
	info := testInfo(256, 400, 1000)
	e := NewIO(s, 1, info, s.Config.DownloadDir, nil)

	payload := make([]byte, 600)
	_, err := rand.New(rand.NewSource(42)).Read(payload)
	require.NoError(t, err)

	require.NoError(t, e.WritePiece(1, 100, payload))

	got := make([]byte, len(payload))
	require.NoError(t, e.ReadPiece(1, 100, got))
	assert.True(t, bytes.Equal(payload, got))

	// both files exist and the boundary split the payload
	st, err := os.Stat(filepath.Join(s.Config.DownloadDir, "t", "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(400), st.Size())
}

func TestWriteReadSpansZeroLengthFile(t *testing.T) {
	s := newTestSession(t)
	info := testInfo(512, 1000, 0, 2000)
	e := NewIO(s, 1, info, s.Config.DownloadDir, nil)

	payload := bytes.Repeat([]byte{0x5a}, 100)
	require.NoError(t, e.WritePiece(1, 438, payload)) // crosses the empty file

	got := make([]byte, len(payload))
	require.NoError(t, e.ReadPiece(1, 438, got))
	assert.Equal(t, payload, got)
}

func TestReadMissingFileReportsNotFound(t *testing.T) {
	s := newTestSession(t)
	e := NewIO(s, 1, testInfo(512, 1000), s.Config.DownloadDir, nil)

	err := e.ReadPiece(0, 0, make([]byte, 10))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestInvalidRange(t *testing.T) {
	s := newTestSession(t)
	e := NewIO(s, 1, testInfo(512, 1000), s.Config.DownloadDir, nil)

	assert.ErrorIs(t, e.WritePiece(5, 0, make([]byte, 10)), ErrInvalidRange)
	assert.ErrorIs(t, e.WritePiece(-1, 0, make([]byte, 10)), ErrInvalidRange)
	assert.ErrorIs(t, e.WritePiece(1, 400, make([]byte, 200)), ErrInvalidRange)
	assert.ErrorIs(t, e.ReadPiece(0, -1, make([]byte, 10)), ErrInvalidRange)
}

func TestIncompleteFileNaming(t *testing.T) {
	s := newTestSession(t)
	s.Config.IncompleteFileNaming = true

	info := testInfo(512, 1000)
	e := NewIO(s, 1, info, s.Config.DownloadDir, nil)

	require.NoError(t, e.WritePiece(0, 0, []byte("hello")))

	partial := filepath.Join(s.Config.DownloadDir, "t", "A") + PartialFileSuffix
	_, err := os.Stat(partial)
	require.NoError(t, err)

	// reads find the partial-named file too
	got := make([]byte, 5)
	require.NoError(t, e.ReadPiece(0, 0, got))
	assert.Equal(t, []byte("hello"), got)

	path, exists := e.FindFile(0)
	assert.True(t, exists)
	assert.Equal(t, partial, path)
}

func TestExistingFinalNameWinsOverPartialNaming(t *testing.T) {
	s := newTestSession(t)
	s.Config.IncompleteFileNaming = true

	info := testInfo(512, 1000)
	e := NewIO(s, 1, info, s.Config.DownloadDir, nil)

	final := filepath.Join(s.Config.DownloadDir, "t", "A")
	require.NoError(t, os.MkdirAll(filepath.Dir(final), 0o755))
	require.NoError(t, os.WriteFile(final, make([]byte, 1000), 0o644))

	require.NoError(t, e.WritePiece(0, 0, []byte("x")))

	_, err := os.Stat(final + PartialFileSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteErrorMarksTorrent(t *testing.T) {
	s := newTestSession(t)
	info := testInfo(512, 1000)

	var badPath string
	e := NewIO(s, 1, info, s.Config.DownloadDir, func(path string, err error) {
		badPath = path
	})

	// a file where the parent directory must go blocks creation
	require.NoError(t, os.WriteFile(filepath.Join(s.Config.DownloadDir, "t"), []byte("in the way"), 0o644))

	err := e.WritePiece(0, 0, []byte("data"))
	require.Error(t, err)
	assert.Equal(t, filepath.Join(s.Config.DownloadDir, "t", "A"), badPath)
}

func TestPrefetchIsBestEffort(t *testing.T) {
	s := newTestSession(t)
	e := NewIO(s, 1, testInfo(512, 1000), s.Config.DownloadDir, nil)

	// nothing on disk; must not panic or create files
	e.Prefetch(0, 0, 512)

	_, err := os.Stat(filepath.Join(s.Config.DownloadDir, "t", "A"))
	assert.True(t, os.IsNotExist(err))
}
