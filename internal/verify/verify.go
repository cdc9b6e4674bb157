package verify

import (
	"bytes"
	"context"
	"crypto/sha1"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kvakvs/transmission/internal/bitfield"
	"github.com/kvakvs/transmission/internal/cache"
	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/storage"
)

// Piece re-hashes a stored piece and compares it to the trusted digest.
// Blocks are pulled through the cache so writes that have not reached disk
// yet are still observed. Any block read failure fails the piece.
func Piece(engine *storage.IO, blocks *cache.Cache, index int) bool {
	info := engine.Info()
	if index < 0 || index >= info.PieceCount() {
		return false
	}

	blockSize := int64(metainfo.BlockSize(info.PieceLength))
	if blockSize == 0 {
		return false
	}

	pieceSize := info.PieceSize(index)
	engine.Prefetch(index, 0, pieceSize)

	h := sha1.New()
	buf := make([]byte, blockSize)
	for offset := int64(0); offset < pieceSize; offset += blockSize {
		n := min(blockSize, pieceSize-offset)
		if err := blocks.ReadBlock(index, offset, buf[:n]); err != nil {
			return false
		}
		h.Write(buf[:n])
	}

	digest := info.Pieces[index]
	return bytes.Equal(h.Sum(nil), digest[:])
}

// Scan verifies every piece of a torrent in order and returns the bitfield
// of pieces that hashed correctly. onPiece, when set, observes each result.
func Scan(ctx context.Context, engine *storage.IO, blocks *cache.Cache, onPiece func(index int, ok bool)) (bitfield.Bitfield, error) {
	info := engine.Info()
	bf := bitfield.New(info.PieceCount())

	for index := range info.PieceCount() {
		if err := ctx.Err(); err != nil {
			return bf, err
		}
		ok := Piece(engine, blocks, index)
		if ok {
			bf.Set(index)
		}
		if onPiece != nil {
			onPiece(index, ok)
		}
	}
	return bf, nil
}

type job struct {
	engine *storage.IO
	blocks *cache.Cache
	done   func(bitfield.Bitfield, error)
}

// Queue runs full-torrent scans in the background, a bounded number at a
// time. Pieces within one torrent are verified sequentially; different
// torrents may verify concurrently.
type Queue struct {
	jobs   chan job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	q := &Queue{
		jobs:   make(chan job, 16),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		group.Go(q.worker)
	}
	return q
}

// Enqueue schedules a torrent scan. done runs on the worker goroutine.
func (q *Queue) Enqueue(engine *storage.IO, blocks *cache.Cache, done func(bitfield.Bitfield, error)) {
	select {
	case q.jobs <- job{engine, blocks, done}:
	case <-q.ctx.Done():
	}
}

func (q *Queue) worker() error {
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return nil
			}
			bf, err := Scan(q.ctx, j.engine, j.blocks, nil)
			if err != nil {
				slog.Debug("verification interrupted", "error", err)
			}
			if j.done != nil {
				j.done(bf, err)
			}
		case <-q.ctx.Done():
			return q.ctx.Err()
		}
	}
}

// Close drains queued work and waits for in-flight scans to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.jobs) })
	_ = q.group.Wait()
	q.cancel()
}
