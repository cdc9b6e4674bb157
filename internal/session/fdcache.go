package session

import (
	"os"
	"path/filepath"
	"sync"
)

type fdKey struct {
	torrentID int
	fileIndex int
}

type cachedFile struct {
	key      fdKey
	file     *os.File
	writable bool
	used     int64
}

// FDCache pools open file handles keyed by (torrent, file). It evicts the
// least recently used handle when full. Callers serialize piece I/O per
// torrent; the cache itself only guards its own table.
type FDCache struct {
	mu    sync.Mutex
	limit int
	seq   int64
	open  []*cachedFile
}

func NewFDCache(limit int) *FDCache {
	if limit <= 0 {
		limit = 32
	}
	return &FDCache{limit: limit}
}

// GetCached returns a pooled handle, or nil on miss. A handle opened
// read-only never satisfies a writable request.
func (c *FDCache) GetCached(torrentID, fileIndex int, writable bool) *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fdKey{torrentID, fileIndex}
	for _, e := range c.open {
		if e.key == key && (!writable || e.writable) {
			c.seq++
			e.used = c.seq
			return e.file
		}
	}
	return nil
}

// Checkout opens (and for writable requests, creates) the file at path and
// pools the handle. created reports whether the file did not exist before.
func (c *FDCache) Checkout(torrentID, fileIndex int, path string, writable bool, prealloc Preallocation, length int64) (f *os.File, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fdKey{torrentID, fileIndex}
	c.dropLocked(func(e *cachedFile) bool { return e.key == key })

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, false, err
		}
		_, statErr := os.Lstat(path)
		created = os.IsNotExist(statErr)
	}

	f, err = os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, false, err
	}

	if created && length > 0 {
		switch prealloc {
		case PreallocationSparse:
			err = f.Truncate(length)
		case PreallocationFull:
			err = preallocateFull(f, length)
		}
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, false, err
		}
	}

	for len(c.open) >= c.limit {
		c.evictLocked()
	}

	c.seq++
	c.open = append(c.open, &cachedFile{key: key, file: f, writable: writable, used: c.seq})
	return f, created, nil
}

// CloseTorrent drops every handle belonging to a torrent.
func (c *FDCache) CloseTorrent(torrentID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(func(e *cachedFile) bool { return e.key.torrentID == torrentID })
}

// CloseFile drops a single handle if pooled.
func (c *FDCache) CloseFile(torrentID, fileIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(func(e *cachedFile) bool { return e.key == fdKey{torrentID, fileIndex} })
}

func (c *FDCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(func(*cachedFile) bool { return true })
}

// Len reports how many handles are pooled.
func (c *FDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

func (c *FDCache) dropLocked(match func(*cachedFile) bool) {
	kept := c.open[:0]
	for _, e := range c.open {
		if match(e) {
			e.file.Close()
			continue
		}
		kept = append(kept, e)
	}
	c.open = kept
}

func (c *FDCache) evictLocked() {
	if len(c.open) == 0 {
		return
	}
	oldest := 0
	for i, e := range c.open {
		if e.used < c.open[oldest].used {
			oldest = i
		}
	}
	c.open[oldest].file.Close()
	c.open = append(c.open[:oldest], c.open[oldest+1:]...)
}
