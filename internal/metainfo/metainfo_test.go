package metainfo

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeInfo(t *testing.T, name string, pieceLength int, total int64, files []infoDictFile) []byte {
	t.Helper()

	pieceCount := (total + int64(pieceLength) - 1) / int64(pieceLength)
	dict := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(bytes.Repeat([]byte{0xab}, int(pieceCount)*20)),
	}
	if files == nil {
		dict["length"] = total
	} else {
		dict["files"] = files
	}

	raw, err := bencode.EncodeBytes(dict)
	require.NoError(t, err)
	return raw
}

func TestParseInfoBytesSingleFile(t *testing.T) {
	raw := encodeInfo(t, "file_1.txt", 32768, 100000, nil)

	info, err := ParseInfoBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, "file_1.txt", info.Name)
	assert.Equal(t, 32768, info.PieceLength)
	assert.Equal(t, 4, info.PieceCount())
	assert.Equal(t, int64(100000), info.TotalLength())
	assert.Equal(t, sha1.Sum(raw), info.InfoHash)
	assert.Equal(t, len(raw), info.InfoLength)
	assert.Equal(t, []FileInfo{{Path: "file_1.txt", Length: 100000}}, info.Files)
}

func TestParseInfoBytesMultiFile(t *testing.T) {
	files := []infoDictFile{
		{Path: []string{"a.txt"}, Length: 1000},
		{Path: []string{"sub", "b.txt"}, Length: 0},
		{Path: []string{"c.txt"}, Length: 2000},
	}
	raw := encodeInfo(t, "files", 512, 3000, files)

	info, err := ParseInfoBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(3000), info.TotalLength())
	assert.Equal(t, []FileInfo{
		{Path: filepath.Join("files", "a.txt"), Length: 1000, Offset: 0},
		{Path: filepath.Join("files", "sub", "b.txt"), Length: 0, Offset: 1000},
		{Path: filepath.Join("files", "c.txt"), Length: 2000, Offset: 1000},
	}, info.Files)
}

func TestParseInfoBytesRejectsGarbage(t *testing.T) {
	_, err := ParseInfoBytes([]byte("not bencode at all"))
	assert.Error(t, err)

	// structurally valid bencode, semantically broken info
	raw, err := bencode.EncodeBytes(map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	_, err = ParseInfoBytes(raw)
	assert.ErrorIs(t, err, ErrBadInfo)
}

func TestPieceSizeLastPieceShort(t *testing.T) {
	raw := encodeInfo(t, "f", 16384, 40000, nil)
	info, err := ParseInfoBytes(raw)
	require.NoError(t, err)

	require.Equal(t, 3, info.PieceCount())
	assert.Equal(t, int64(16384), info.PieceSize(0))
	assert.Equal(t, int64(16384), info.PieceSize(1))
	assert.Equal(t, int64(7232), info.PieceSize(2))
}

func TestBlockSize(t *testing.T) {
	tests := map[string]struct {
		pieceSize int
		expected  int
	}{
		"exactly one block":     {16384, 16384},
		"power of two multiple": {1 << 20, 16384},
		"smaller than block":    {8192, 8192},
		"not a multiple":        {24000, 0},
		"zero":                  {0, 0},
		"negative":              {-4, 0},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BlockSize(tt.pieceSize))
		})
	}
}

func TestMergeContainerKeepsDiscoveryKeys(t *testing.T) {
	stub, err := MagnetStub("hello", []string{"http://t/a", "http://t/b"}, []string{"http://ws/"})
	require.NoError(t, err)

	rawInfo := encodeInfo(t, "hello", 16384, 16384, nil)
	merged, err := MergeContainer(stub, rawInfo)
	require.NoError(t, err)

	m, err := ParseBytes(merged)
	require.NoError(t, err)
	require.NotNil(t, m.Info)
	assert.Equal(t, "hello", m.Info.Name)
	assert.Equal(t, []string{"http://t/a", "http://t/b"}, m.Announce)
	assert.Equal(t, []string{"http://ws/"}, m.WebSeeds)

	// the info dict must appear verbatim so the infohash stays stable
	got, err := RawInfo(merged)
	require.NoError(t, err)
	assert.Equal(t, rawInfo, got)
}

func TestInfoDictOffset(t *testing.T) {
	rawInfo := encodeInfo(t, "f", 16384, 16384, nil)
	merged, err := MergeContainer(nil, rawInfo)
	require.NoError(t, err)

	offset, length, err := InfoDictOffset(merged)
	require.NoError(t, err)
	assert.Equal(t, len(rawInfo), length)
	assert.Equal(t, rawInfo, merged[offset:offset+int64(length)])
}

func TestSaveContainerAtomic(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "sub", "x.torrent")

	require.NoError(t, SaveContainer(path, []byte("first")))
	require.NoError(t, SaveContainer(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	// no temp droppings left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestToJSONRoundTrip(t *testing.T) {
	benc, err := bencode.EncodeBytes(map[string]interface{}{
		"empty dict": map[string]interface{}{},
		"empty list": []string{},
		"nested":     map[string]interface{}{"n": 7},
	})
	require.NoError(t, err)

	out, err := ToJSON(benc)
	require.NoError(t, err)

	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Contains(t, back, "empty dict")
	assert.Equal(t, map[string]interface{}{}, back["empty dict"])
	assert.Equal(t, map[string]interface{}{"n": float64(7)}, back["nested"])
}
