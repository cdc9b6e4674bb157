// Package cache is a write-back block cache sitting between piece producers
// and the range I/O engine. Reads through the cache observe writes that have
// not reached disk yet, which the piece verifier depends on.
package cache

import (
	"sync"

	"github.com/kvakvs/transmission/internal/storage"
)

type blockKey struct {
	piece  int
	offset int64
}

// Cache buffers a bounded number of blocks and flushes them through its
// backing range I/O engine in write order.
type Cache struct {
	mu        sync.Mutex
	io        *storage.IO
	maxBlocks int
	blocks    map[blockKey][]byte
	order     []blockKey
}

func New(engine *storage.IO, maxBlocks int) *Cache {
	if maxBlocks <= 0 {
		maxBlocks = 64
	}
	return &Cache{
		io:        engine,
		maxBlocks: maxBlocks,
		blocks:    make(map[blockKey][]byte),
	}
}

// WriteBlock buffers a block. When the cache is full the oldest block is
// written through to disk first.
func (c *Cache) WriteBlock(piece int, offset int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := blockKey{piece, offset}
	buf := make([]byte, len(data))
	copy(buf, data)

	if _, ok := c.blocks[key]; !ok {
		c.order = append(c.order, key)
	}
	c.blocks[key] = buf

	for len(c.order) > c.maxBlocks {
		if err := c.flushOldestLocked(); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock fills buf with the current contents of the range: disk state
// overlaid with any pending writes.
func (c *Cache) ReadBlock(piece int, offset int64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// whole range pending, no disk round trip needed
	if b, ok := c.blocks[blockKey{piece, offset}]; ok && len(b) >= len(buf) {
		copy(buf, b)
		return nil
	}

	if err := c.io.ReadPiece(piece, offset, buf); err != nil {
		return err
	}

	end := offset + int64(len(buf))
	for key, b := range c.blocks {
		if key.piece != piece {
			continue
		}
		lo := max(key.offset, offset)
		hi := min(key.offset+int64(len(b)), end)
		if lo < hi {
			copy(buf[lo-offset:hi-offset], b[lo-key.offset:hi-key.offset])
		}
	}
	return nil
}

// Flush writes every pending block to disk, oldest first.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) > 0 {
		if err := c.flushOldestLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many blocks are pending.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Cache) flushOldestLocked() error {
	key := c.order[0]
	if err := c.io.WritePiece(key.piece, key.offset, c.blocks[key]); err != nil {
		return err
	}
	c.order = c.order[1:]
	delete(c.blocks, key)
	return nil
}
