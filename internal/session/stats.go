package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const statsBucket = "stats"

// StatsSnapshot is the cumulative, cross-session accounting.
type StatsSnapshot struct {
	FilesCreated   uint64
	BytesWritten   uint64
	BytesRead      uint64
	PiecesVerified uint64
}

// Stats persists session counters in a small bbolt database so they survive
// restarts.
type Stats struct {
	db *bbolt.DB
}

func OpenStats(dbPath string) (*Stats, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening stats database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(statsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Stats{db: db}, nil
}

func (s *Stats) FileCreated() error {
	return s.add("filesCreated", 1)
}

func (s *Stats) AddBytesWritten(n int64) error {
	return s.add("bytesWritten", uint64(n))
}

func (s *Stats) AddBytesRead(n int64) error {
	return s.add("bytesRead", uint64(n))
}

func (s *Stats) PieceVerified() error {
	return s.add("piecesVerified", 1)
}

func (s *Stats) add(key string, delta uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statsBucket))
		v := decodeCounter(b.Get([]byte(key))) + delta

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return b.Put([]byte(key), buf)
	})
}

func (s *Stats) Snapshot() (StatsSnapshot, error) {
	var snap StatsSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statsBucket))
		snap.FilesCreated = decodeCounter(b.Get([]byte("filesCreated")))
		snap.BytesWritten = decodeCounter(b.Get([]byte("bytesWritten")))
		snap.BytesRead = decodeCounter(b.Get([]byte("bytesRead")))
		snap.PiecesVerified = decodeCounter(b.Get([]byte("piecesVerified")))
		return nil
	})
	return snap, err
}

func (s *Stats) Close() error {
	return s.db.Close()
}

func decodeCounter(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
