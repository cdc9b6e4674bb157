package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/session"
)

// PartialFileSuffix marks files that are not fully downloaded when
// incomplete-file naming is enabled.
const PartialFileSuffix = ".part"

var ErrInvalidRange = errors.New("storage: piece range out of bounds")

type ioMode int

const (
	ioRead ioMode = iota
	ioPrefetch
	// modes from ioWrite up require write access
	ioWrite
)

// IO executes piece-addressed I/O against a torrent's file tree, going
// through the session's file handle cache. It holds no open handles itself.
type IO struct {
	session     *session.Session
	torrentID   int
	info        *metainfo.Info
	downloadDir string

	// onWriteError is told about failed writes so the torrent can record a
	// local error naming the offending path.
	onWriteError func(path string, err error)
}

func NewIO(s *session.Session, torrentID int, info *metainfo.Info, downloadDir string, onWriteError func(path string, err error)) *IO {
	if onWriteError == nil {
		onWriteError = func(string, error) {}
	}
	return &IO{
		session:      s,
		torrentID:    torrentID,
		info:         info,
		downloadDir:  downloadDir,
		onWriteError: onWriteError,
	}
}

func (e *IO) Info() *metainfo.Info {
	return e.info
}

// Locate maps a (piece, offset) pair to the file containing that byte and
// the position within it. Zero-length files contain no offsets and are
// skipped. The caller must pass an in-range position.
func (e *IO) Locate(piece int, pieceOffset int64) (fileIndex int, fileOffset int64) {
	g := int64(piece)*int64(e.info.PieceLength) + pieceOffset
	if g < 0 || g >= e.info.TotalLength() {
		panic(fmt.Sprintf("storage: offset %d outside torrent of %d bytes", g, e.info.TotalLength()))
	}

	files := e.info.Files
	fileIndex = sort.Search(len(files), func(i int) bool {
		return files[i].Offset+files[i].Length > g
	})
	return fileIndex, g - files[fileIndex].Offset
}

// ReadPiece fills buf from the given piece range. A missing file reports
// fs.ErrNotExist; a short read reports the OS error verbatim.
func (e *IO) ReadPiece(piece int, begin int64, buf []byte) error {
	return e.run(ioRead, piece, begin, buf, int64(len(buf)))
}

// WritePiece stores buf at the given piece range, creating and preallocating
// files as needed.
func (e *IO) WritePiece(piece int, begin int64, buf []byte) error {
	return e.run(ioWrite, piece, begin, buf, int64(len(buf)))
}

// Prefetch hints the OS that the range will soon be read. Best effort.
func (e *IO) Prefetch(piece int, begin, length int64) {
	_ = e.run(ioPrefetch, piece, begin, nil, length)
}

func (e *IO) run(mode ioMode, piece int, begin int64, buf []byte, length int64) error {
	if piece < 0 || piece >= e.info.PieceCount() || begin < 0 || length < 0 {
		return ErrInvalidRange
	}
	if length == 0 {
		return nil
	}

	g := int64(piece)*int64(e.info.PieceLength) + begin
	if g+length > e.info.TotalLength() {
		return ErrInvalidRange
	}

	fileIndex, fileOffset := e.Locate(piece, begin)

	var done int64
	for done < length {
		file := &e.info.Files[fileIndex]
		n := min(length-done, file.Length-fileOffset)

		var span []byte
		if buf != nil {
			span = buf[done : done+n]
		}

		if err := e.runFile(mode, fileIndex, fileOffset, span, n); err != nil {
			if mode == ioWrite {
				e.onWriteError(filepath.Join(e.downloadDir, file.Path), err)
			}
			return err
		}

		done += n
		fileIndex++
		fileOffset = 0
	}

	return nil
}

// runFile serves the portion of a range that falls within a single file.
func (e *IO) runFile(mode ioMode, fileIndex int, fileOffset int64, buf []byte, length int64) error {
	file := &e.info.Files[fileIndex]
	if file.Length == 0 {
		return nil
	}

	doWrite := mode >= ioWrite

	fd := e.session.FDCache.GetCached(e.torrentID, fileIndex, doWrite)
	if fd == nil {
		path, exists := e.FindFile(fileIndex)
		if !exists {
			if !doWrite {
				return fmt.Errorf("storage: %s: %w", file.Path, fs.ErrNotExist)
			}
			subpath := file.Path
			if e.session.Config.IncompleteFileNaming {
				subpath += PartialFileSuffix
			}
			path = filepath.Join(e.downloadDir, subpath)
		}

		prealloc := session.PreallocationNone
		if doWrite && !file.DND {
			prealloc = e.session.Config.Preallocation
		}

		var created bool
		var err error
		fd, created, err = e.session.FDCache.Checkout(e.torrentID, fileIndex, path, doWrite, prealloc, file.Length)
		if err != nil {
			slog.Error("file checkout failed", "path", path, "error", err)
			return fmt.Errorf("storage: opening %s: %w", path, err)
		}
		if created && doWrite {
			if err := e.session.Stats.FileCreated(); err != nil {
				slog.Warn("recording file creation", "error", err)
			}
		}
	}

	switch mode {
	case ioRead:
		if _, err := fd.ReadAt(buf, fileOffset); err != nil {
			return fmt.Errorf("storage: reading %s: %w", file.Path, err)
		}
		if err := e.session.Stats.AddBytesRead(length); err != nil {
			slog.Warn("recording bytes read", "error", err)
		}
	case ioWrite:
		if _, err := fd.WriteAt(buf, fileOffset); err != nil {
			return fmt.Errorf("storage: writing %s: %w", file.Path, err)
		}
		if err := e.session.Stats.AddBytesWritten(length); err != nil {
			slog.Warn("recording bytes written", "error", err)
		}
	case ioPrefetch:
		adviseWillNeed(fd, fileOffset, length)
	}

	return nil
}

// FindFile reports where a file currently lives on disk, checking both the
// final name and the ".part" variant.
func (e *IO) FindFile(fileIndex int) (path string, exists bool) {
	base := filepath.Join(e.downloadDir, e.info.Files[fileIndex].Path)

	if _, err := os.Stat(base); err == nil {
		return base, true
	}
	if _, err := os.Stat(base + PartialFileSuffix); err == nil {
		return base + PartialFileSuffix, true
	}
	return base, false
}
