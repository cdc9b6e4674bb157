package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/resume"
)

// MetadataPieceSize is the fixed chunk size of the metadata extension; only
// the last piece of an info dict may be shorter.
const MetadataPieceSize = 16384

// don't ask for the same metadata piece more often than this
const minMetadataRepeatInterval = 3 * time.Second

var errMetadataUnusable = errors.New("torrent: magnet torrent's metadata is not usable")

type metadataNode struct {
	piece       int
	requestedAt int64
}

type incompleteMetadata struct {
	data       []byte
	pieceCount int
	// needed is sorted from least to most recently requested; pieces never
	// requested sit at the head.
	needed []metadataNode
}

func (m *incompleteMetadata) pieceLength(piece int) int {
	if piece+1 == m.pieceCount {
		return len(m.data) - piece*MetadataPieceSize
	}
	return MetadataPieceSize
}

func (m *incompleteMetadata) neededIndex(piece int) int {
	for i, n := range m.needed {
		if n.piece == piece {
			return i
		}
	}
	return -1
}

func (m *incompleteMetadata) reset() {
	m.needed = m.needed[:0]
	for i := 0; i < m.pieceCount; i++ {
		m.needed = append(m.needed, metadataNode{piece: i})
	}
}

// SetMetadataSizeHint sizes the reassembly buffer from a peer's advertised
// info-dict length. The first accepted hint wins; later hints, hints on
// torrents that already have metadata, and nonsensical sizes are refused.
func (t *Torrent) SetMetadataSizeHint(size int64) bool {
	if t.HasMetadata() {
		return false
	}
	if t.incomplete != nil {
		return false
	}
	if size <= 0 || size > math.MaxInt32 {
		return false
	}

	pieceCount := int((size + MetadataPieceSize - 1) / MetadataPieceSize)
	slog.Debug("metadata size hint accepted", "torrent", t.Name(), "size", size, "pieces", pieceCount)

	m := &incompleteMetadata{
		data:       make([]byte, size),
		pieceCount: pieceCount,
	}
	m.reset()
	t.incomplete = m
	return true
}

// SetMetadataPiece accepts a metadata piece payload from a peer. Payloads
// that arrive out of state, out of range, with the wrong length, or for a
// piece already held are dropped silently. Receiving the final outstanding
// piece triggers the installation sequence.
func (t *Torrent) SetMetadataPiece(piece int, data []byte) {
	m := t.incomplete
	if m == nil {
		return
	}
	if piece < 0 || piece >= m.pieceCount {
		return
	}
	if m.pieceLength(piece) != len(data) {
		return
	}
	idx := m.neededIndex(piece)
	if idx == -1 {
		return
	}

	copy(m.data[piece*MetadataPieceSize:], data)
	m.needed = append(m.needed[:idx], m.needed[idx+1:]...)

	slog.Debug("stored metadata piece", "torrent", t.Name(), "piece", piece, "remaining", len(m.needed))

	if len(m.needed) == 0 {
		t.installMetadata()
	}
}

// NextMetadataRequest returns the next metadata piece to ask a peer for.
// Outstanding pieces are cycled least-recently-requested first, and no piece
// is handed out twice within the repeat interval.
func (t *Torrent) NextMetadataRequest(now time.Time) (int, bool) {
	m := t.incomplete
	if m == nil || len(m.needed) == 0 {
		return 0, false
	}

	head := m.needed[0]
	if head.requestedAt+int64(minMetadataRepeatInterval/time.Second) >= now.Unix() {
		return 0, false
	}

	m.needed = append(m.needed[1:], metadataNode{piece: head.piece, requestedAt: now.Unix()})
	return head.piece, true
}

// MetadataPercent reports how much of the info dict has arrived; 1.0 once
// metadata is installed.
func (t *Torrent) MetadataPercent() float64 {
	if t.HasMetadata() {
		return 1.0
	}
	m := t.incomplete
	if m == nil || m.pieceCount == 0 {
		return 0.0
	}
	return float64(m.pieceCount-len(m.needed)) / float64(m.pieceCount)
}

// installMetadata runs the checksum/parse/install sequence over the fully
// assembled buffer. Checksum and parse failures repopulate the request list
// and keep acquiring; an unusable piece geometry additionally sets a local
// error. Success swaps the new info in, rewrites the container atomically,
// drops stale resume state, and schedules a stop+verify cycle.
func (t *Torrent) installMetadata() {
	m := t.incomplete

	digest := sha1.Sum(m.data)
	if digest != t.hash {
		slog.Error("magnet metadata checksum failed", "torrent", t.Name())
		m.reset()
		return
	}

	info, err := metainfo.ParseInfoBytes(m.data)
	if err != nil {
		slog.Error("magnet metadata parse failed", "torrent", t.Name(), "error", err)
		m.reset()
		return
	}

	if metainfo.BlockSize(info.PieceLength) == 0 {
		t.SetLocalError(errMetadataUnusable)
		slog.Error("magnet metadata unusable", "torrent", t.Name(), "pieceLength", info.PieceLength)
		m.reset()
		return
	}

	container, err := os.ReadFile(t.torrentPath)
	if err != nil && !os.IsNotExist(err) {
		slog.Error("reading torrent container", "path", t.torrentPath, "error", err)
		m.reset()
		return
	}

	merged, err := metainfo.MergeContainer(container, m.data)
	if err != nil {
		slog.Error("merging info dict into container", "path", t.torrentPath, "error", err)
		m.reset()
		return
	}

	if err := resume.Remove(t.resumePath); err != nil {
		slog.Warn("removing stale resume file", "path", t.resumePath, "error", err)
	}
	if err := metainfo.SaveContainer(t.torrentPath, merged); err != nil {
		t.SetLocalError(fmt.Errorf("torrent: saving container: %w", err))
		m.reset()
		return
	}

	t.Metadata.Info = info
	t.infoDictLength = info.InfoLength
	t.infoDictOffsetCached = false
	t.have = nil
	t.initIO()

	t.mu.Lock()
	t.dirty = true
	t.edited = true
	t.stopping = true
	t.magnetVerify = true
	t.startAfterVerify = true
	t.mu.Unlock()

	t.incomplete = nil
	slog.Info("magnet metadata installed", "torrent", t.Name(), "size", info.InfoLength)
}

// GetMetadataPiece serves a slice of the info dict to a peer. The info
// dict's offset within the container file is located once and cached.
func (t *Torrent) GetMetadataPiece(piece int) ([]byte, error) {
	if !t.HasMetadata() {
		return nil, metainfo.ErrMissingInfo
	}
	if piece < 0 {
		return nil, fmt.Errorf("torrent: invalid metadata piece %d", piece)
	}

	if err := t.ensureInfoDictOffset(); err != nil {
		return nil, err
	}

	offset := piece * MetadataPieceSize
	if offset >= t.infoDictLength {
		return nil, fmt.Errorf("torrent: metadata piece %d out of range", piece)
	}
	length := min(MetadataPieceSize, t.infoDictLength-offset)

	f, err := os.Open(t.torrentPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, t.infoDictOffset+int64(offset)); err != nil {
		return nil, fmt.Errorf("torrent: reading metadata piece %d: %w", piece, err)
	}
	return buf, nil
}

func (t *Torrent) ensureInfoDictOffset() error {
	if t.infoDictOffsetCached {
		return nil
	}

	data, err := os.ReadFile(t.torrentPath)
	if err != nil {
		return err
	}
	offset, length, err := metainfo.InfoDictOffset(data)
	if err != nil {
		return err
	}

	t.infoDictOffset = offset
	t.infoDictLength = length
	t.infoDictOffsetCached = true
	return nil
}
