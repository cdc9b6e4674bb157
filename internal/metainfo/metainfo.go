package metainfo

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/bencode"
)

// MaxBlockSize is the largest unit the block cache serves. Piece sizes that
// are not an integer multiple of the derived block size are unusable.
const MaxBlockSize = 16384

var (
	ErrMissingInfo = errors.New("metainfo: container has no info dictionary")
	ErrBadInfo     = errors.New("metainfo: info dictionary is malformed")
)

type FileInfo struct {
	Path   string
	Length int64
	// Offset is the cumulative byte position of the file within the
	// torrent's logical concatenation.
	Offset int64
	// DND excludes the file from allocation and writing.
	DND bool
}

type Info struct {
	Name        string
	InfoHash    [20]byte
	PieceLength int
	Pieces      [][20]byte
	Files       []FileInfo
	// InfoLength is the byte length of the info dict's canonical bencoding.
	InfoLength int
}

type Metadata struct {
	Announce []string
	WebSeeds []string
	// Info is nil for magnet-added torrents until the info dict arrives.
	Info *Info
}

type container struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	URLList      bencode.RawMessage `bencode:"url-list"`
	Info         bencode.RawMessage `bencode:"info"`
}

type infoDict struct {
	Name        string         `bencode:"name"`
	PieceLength int            `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Length      int64          `bencode:"length"`
	Files       []infoDictFile `bencode:"files"`
}

type infoDictFile struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// ParseBytes decodes a whole torrent container.
func ParseBytes(data []byte) (*Metadata, error) {
	var c container
	if err := bencode.DecodeBytes(data, &c); err != nil {
		return nil, fmt.Errorf("metainfo: decoding container: %w", err)
	}

	m := &Metadata{
		Announce: flattenAnnounce(c.Announce, c.AnnounceList),
		WebSeeds: decodeURLList(c.URLList),
	}

	if len(c.Info) > 0 {
		info, err := ParseInfoBytes(c.Info)
		if err != nil {
			return nil, err
		}
		m.Info = info
	}

	return m, nil
}

// ParseFile decodes the torrent container stored at path.
func ParseFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseInfoBytes decodes a bare info dictionary, the form in which metadata
// arrives from peers. The infohash is the SHA-1 of exactly these bytes.
func ParseInfoBytes(raw []byte) (*Info, error) {
	var d infoDict
	if err := bencode.DecodeBytes(raw, &d); err != nil {
		return nil, fmt.Errorf("metainfo: decoding info dict: %w", err)
	}

	if d.Name == "" || d.PieceLength <= 0 || len(d.Pieces)%20 != 0 || len(d.Pieces) == 0 {
		return nil, ErrBadInfo
	}

	var files []FileInfo
	var offset int64
	if len(d.Files) > 0 {
		for _, f := range d.Files {
			if f.Length < 0 {
				return nil, ErrBadInfo
			}
			files = append(files, FileInfo{
				Path:   filepath.Join(d.Name, strings.Join(f.Path, "/")),
				Length: f.Length,
				Offset: offset,
			})
			offset += f.Length
		}
	} else {
		if d.Length < 0 {
			return nil, ErrBadInfo
		}
		files = append(files, FileInfo{Path: d.Name, Length: d.Length})
		offset = d.Length
	}

	chunks := slices.Collect(slices.Chunk([]byte(d.Pieces), 20))
	pieces := make([][20]byte, 0, len(chunks))
	for _, chunk := range chunks {
		var arr [20]byte
		copy(arr[:], chunk)
		pieces = append(pieces, arr)
	}

	expected := (offset + int64(d.PieceLength) - 1) / int64(d.PieceLength)
	if int64(len(pieces)) != expected {
		return nil, ErrBadInfo
	}

	return &Info{
		Name:        d.Name,
		InfoHash:    sha1.Sum(raw),
		PieceLength: d.PieceLength,
		Pieces:      pieces,
		Files:       files,
		InfoLength:  len(raw),
	}, nil
}

func flattenAnnounce(announce string, tiers [][]string) []string {
	var out []string
	if announce != "" {
		out = append(out, announce)
	}
	for _, tier := range tiers {
		for _, tr := range tier {
			if tr != "" && !slices.Contains(out, tr) {
				out = append(out, tr)
			}
		}
	}
	return out
}

// url-list appears in the wild both as a single string and as a list.
func decodeURLList(raw bencode.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := bencode.DecodeBytes(raw, &list); err == nil {
		return list
	}
	var single string
	if err := bencode.DecodeBytes(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func (i *Info) TotalLength() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

func (i *Info) PieceCount() int {
	return len(i.Pieces)
}

// PieceSize returns the byte length of a piece; the last piece may be short.
func (i *Info) PieceSize(index int) int64 {
	if index == len(i.Pieces)-1 {
		return i.TotalLength() - int64(index)*int64(i.PieceLength)
	}
	return int64(i.PieceLength)
}

// BlockSize derives the block unit for a piece size. It returns 0 when the
// piece size cannot be evenly divided, which marks the metadata unusable.
func BlockSize(pieceSize int) int {
	if pieceSize <= 0 {
		return 0
	}
	b := pieceSize
	if b > MaxBlockSize {
		b = MaxBlockSize
	}
	if pieceSize%b != 0 {
		return 0
	}
	return b
}

// RawInfo extracts the info dict's canonical bytes from a container.
func RawInfo(containerBytes []byte) ([]byte, error) {
	var c container
	if err := bencode.DecodeBytes(containerBytes, &c); err != nil {
		return nil, fmt.Errorf("metainfo: decoding container: %w", err)
	}
	if len(c.Info) == 0 {
		return nil, ErrMissingInfo
	}
	return c.Info, nil
}

// InfoDictOffset locates the info dict's first occurrence inside the raw
// container bytes. Peers request metadata pieces relative to this offset.
func InfoDictOffset(containerBytes []byte) (offset int64, length int, err error) {
	raw, err := RawInfo(containerBytes)
	if err != nil {
		return 0, 0, err
	}
	idx := bytes.Index(containerBytes, raw)
	if idx < 0 {
		return 0, 0, ErrMissingInfo
	}
	return int64(idx), len(raw), nil
}

// MergeContainer replaces the container's info dict with rawInfo, keeping
// every other key intact. An empty container is a valid starting point; the
// magnet stub written at add time has only discovery hints and a display name.
func MergeContainer(containerBytes []byte, rawInfo []byte) ([]byte, error) {
	top := make(map[string]bencode.RawMessage)
	if len(containerBytes) > 0 {
		if err := bencode.DecodeBytes(containerBytes, &top); err != nil {
			return nil, fmt.Errorf("metainfo: decoding container: %w", err)
		}
	}
	top["info"] = rawInfo
	out, err := bencode.EncodeBytes(top)
	if err != nil {
		return nil, fmt.Errorf("metainfo: encoding container: %w", err)
	}
	return out, nil
}

// MagnetStub builds a minimal container for a torrent added by magnet link,
// holding discovery hints until the info dict is installed.
func MagnetStub(name string, trackers []string, webSeeds []string) ([]byte, error) {
	top := make(map[string]interface{})
	if len(trackers) > 0 {
		top["announce"] = trackers[0]
		tiers := make([][]string, 0, len(trackers))
		for _, tr := range trackers {
			tiers = append(tiers, []string{tr})
		}
		top["announce-list"] = tiers
	}
	if len(webSeeds) > 0 {
		top["url-list"] = webSeeds
	}
	if name != "" {
		top["display-name"] = name
	}
	return bencode.EncodeBytes(top)
}

// SaveContainer writes a container file atomically: the new bytes land in a
// temp file in the same directory, then rename over the destination.
func SaveContainer(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ToJSON renders a bencoded value as JSON, for display and debugging. Byte
// strings that are not valid UTF-8 come out with replacement runes, which is
// acceptable for a human-facing dump.
func ToJSON(benc []byte) ([]byte, error) {
	var v interface{}
	if err := bencode.DecodeBytes(benc, &v); err != nil {
		return nil, fmt.Errorf("metainfo: decoding: %w", err)
	}
	return json.MarshalIndent(v, "", "  ")
}
