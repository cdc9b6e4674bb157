package torrent

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kvakvs/transmission/internal/bitfield"
	"github.com/kvakvs/transmission/internal/cache"
	"github.com/kvakvs/transmission/internal/magnet"
	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/resume"
	"github.com/kvakvs/transmission/internal/session"
	"github.com/kvakvs/transmission/internal/storage"
	"github.com/kvakvs/transmission/internal/verify"
)

// Torrent owns a torrent's metadata, its on-disk container and resume files,
// its piece I/O plumbing, and (for magnet-added torrents) the incomplete
// metadata being reassembled from peers.
//
// All piece and metadata operations are driven from a single session thread;
// the mutex only guards the error and flag fields that observers poll.
type Torrent struct {
	ID      int
	session *session.Session

	Metadata    *metainfo.Metadata
	hash        [20]byte
	displayName string

	downloadDir string
	torrentPath string
	resumePath  string

	engine *storage.IO
	blocks *cache.Cache

	have       bitfield.Bitfield
	downloaded int64
	uploaded   int64

	mu         sync.Mutex
	localError error
	dirty      bool
	edited     bool
	stopping   bool
	// magnetVerify asks for a full re-hash after magnet metadata lands.
	magnetVerify     bool
	startAfterVerify bool

	incomplete           *incompleteMetadata
	infoDictOffset       int64
	infoDictLength       int
	infoDictOffsetCached bool
}

// AddFile registers a torrent from an existing container file. The container
// is copied under the session's torrent directory and any saved resume state
// is applied.
func AddFile(s *session.Session, path, downloadDir string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := metainfo.ParseBytes(data)
	if err != nil {
		return nil, err
	}
	if m.Info == nil {
		return nil, metainfo.ErrMissingInfo
	}

	t := newTorrent(s, m, m.Info.InfoHash, downloadDir)
	t.infoDictLength = m.Info.InfoLength

	if err := metainfo.SaveContainer(t.torrentPath, data); err != nil {
		return nil, err
	}

	t.loadResume()
	t.initIO()
	return t, nil
}

// AddMagnet registers a metadata-less torrent from a magnet link. A stub
// container holding the discovery hints is written; piece I/O stays
// unavailable until the info dict is installed.
func AddMagnet(s *session.Session, uri, downloadDir string) (*Torrent, error) {
	link, err := magnet.Parse(uri)
	if err != nil {
		return nil, err
	}

	m := &metainfo.Metadata{
		Announce: link.Trackers,
		WebSeeds: link.WebSeeds,
	}

	t := newTorrent(s, m, link.InfoHash, downloadDir)
	t.displayName = link.Name

	stub, err := metainfo.MagnetStub(link.Name, link.Trackers, link.WebSeeds)
	if err != nil {
		return nil, err
	}
	if err := metainfo.SaveContainer(t.torrentPath, stub); err != nil {
		return nil, err
	}
	return t, nil
}

func newTorrent(s *session.Session, m *metainfo.Metadata, hash [20]byte, downloadDir string) *Torrent {
	if downloadDir == "" {
		downloadDir = s.Config.DownloadDir
	}
	t := &Torrent{
		ID:          s.NextTorrentID(),
		session:     s,
		Metadata:    m,
		hash:        hash,
		downloadDir: downloadDir,
	}
	hashString := t.HashString()
	t.torrentPath = filepath.Join(s.TorrentDir(), hashString+".torrent")
	t.resumePath = resume.Path(s.ResumeDir(), hashString)
	return t
}

// initIO builds the piece I/O plumbing; requires metadata.
func (t *Torrent) initIO() {
	t.engine = storage.NewIO(t.session, t.ID, t.Metadata.Info, t.downloadDir, t.markWriteError)
	t.blocks = cache.New(t.engine, 128)
	if t.have == nil {
		t.have = bitfield.New(t.Metadata.Info.PieceCount())
	}
}

func (t *Torrent) loadResume() {
	p, err := resume.Load(t.resumePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ignoring unreadable resume file", "path", t.resumePath, "error", err)
		}
		return
	}

	t.downloaded = p.Downloaded
	t.uploaded = p.Uploaded
	if len(p.Have) == len(bitfield.New(t.Metadata.Info.PieceCount())) {
		t.have = p.Have
	}
	for i := range p.DND {
		if i < len(t.Metadata.Info.Files) {
			t.Metadata.Info.Files[i].DND = p.DND[i]
		}
	}
}

func (t *Torrent) HasMetadata() bool {
	return t.Metadata.Info != nil
}

func (t *Torrent) InfoHash() [20]byte {
	return t.hash
}

func (t *Torrent) HashString() string {
	return hex.EncodeToString(t.hash[:])
}

func (t *Torrent) Name() string {
	if t.HasMetadata() {
		return t.Metadata.Info.Name
	}
	if t.displayName != "" {
		return t.displayName
	}
	return t.HashString()
}

// MagnetLink renders the torrent's identity and discovery hints as a magnet
// URI.
func (t *Torrent) MagnetLink() string {
	link := magnet.Link{
		InfoHash: t.hash,
		Name:     t.Name(),
		Trackers: t.Metadata.Announce,
		WebSeeds: t.Metadata.WebSeeds,
	}
	if !t.HasMetadata() && t.displayName == "" {
		link.Name = ""
	}
	return link.String()
}

// Engine exposes the range I/O engine; nil until metadata is known.
func (t *Torrent) Engine() *storage.IO {
	return t.engine
}

// Blocks exposes the torrent's block cache; nil until metadata is known.
func (t *Torrent) Blocks() *cache.Cache {
	return t.blocks
}

// WriteBlock accepts a block from a peer. Writes are refused while a local
// error is set.
func (t *Torrent) WriteBlock(piece int, offset int64, data []byte) error {
	if err := t.LocalError(); err != nil {
		return err
	}
	if !t.HasMetadata() {
		return metainfo.ErrMissingInfo
	}
	if err := t.blocks.WriteBlock(piece, offset, data); err != nil {
		return err
	}
	t.downloaded += int64(len(data))
	return nil
}

// VerifyPiece re-hashes one piece and records the outcome.
func (t *Torrent) VerifyPiece(index int) bool {
	ok := verify.Piece(t.engine, t.blocks, index)
	if ok {
		t.have.Set(index)
		if err := t.session.Stats.PieceVerified(); err != nil {
			slog.Warn("recording piece verification", "error", err)
		}
	} else {
		t.have.Clear(index)
	}
	return ok
}

// Have reports the verified-piece bitfield.
func (t *Torrent) Have() bitfield.Bitfield {
	return t.have.Copy()
}

func (t *Torrent) markWriteError(path string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localError != nil {
		return
	}
	t.localError = fmt.Errorf("%w (%s)", err, path)
	slog.Error("torrent disabled by local error", "torrent", t.Name(), "path", path, "error", err)
}

// SetLocalError records a torrent-local fault. Only the first error sticks.
func (t *Torrent) SetLocalError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localError == nil {
		t.localError = err
	}
}

func (t *Torrent) LocalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localError
}

// ClearLocalError re-enables writes.
func (t *Torrent) ClearLocalError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localError = nil
}

func (t *Torrent) IsDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Torrent) IsEdited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edited
}

// ShouldStopAndVerify reports whether magnet installation scheduled a
// stop+verify cycle, and clears the request.
func (t *Torrent) ShouldStopAndVerify() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.stopping && t.magnetVerify
	t.stopping = false
	t.magnetVerify = false
	return v
}

// Stop flushes pending blocks, releases pooled file handles, and saves the
// resume file.
func (t *Torrent) Stop() error {
	if t.blocks != nil {
		if err := t.blocks.Flush(); err != nil {
			return err
		}
	}
	t.session.FDCache.CloseTorrent(t.ID)

	if !t.HasMetadata() {
		return nil
	}

	var dnd []bool
	for _, f := range t.Metadata.Info.Files {
		dnd = append(dnd, f.DND)
	}
	return resume.Save(t.resumePath, &resume.Progress{
		Name:       t.Name(),
		Downloaded: t.downloaded,
		Uploaded:   t.uploaded,
		DND:        dnd,
		Have:       t.have,
	})
}
