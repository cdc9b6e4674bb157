// Package resume persists per-torrent progress between sessions as a small
// bencoded file named after the torrent's infohash.
package resume

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"

	"github.com/kvakvs/transmission/internal/bitfield"
)

const Suffix = ".resume"

// Progress is the state worth keeping across restarts.
type Progress struct {
	Name       string
	Downloaded int64
	Uploaded   int64
	// DND flags files excluded from download, one per file.
	DND []bool
	// Have marks pieces that verified correctly.
	Have bitfield.Bitfield
}

type resumeFile struct {
	Name       string `bencode:"name"`
	Downloaded int64  `bencode:"downloaded"`
	Uploaded   int64  `bencode:"uploaded"`
	DND        []int  `bencode:"dnd"`
	Have       string `bencode:"have"`
}

// Path returns the resume file location for a torrent, keyed by its
// infohash string.
func Path(resumeDir, hashString string) string {
	return filepath.Join(resumeDir, hashString+Suffix)
}

func Save(path string, p *Progress) error {
	rf := resumeFile{
		Name:       p.Name,
		Downloaded: p.Downloaded,
		Uploaded:   p.Uploaded,
		Have:       string(p.Have),
	}
	for _, dnd := range p.DND {
		v := 0
		if dnd {
			v = 1
		}
		rf.DND = append(rf.DND, v)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, rf); err != nil {
		return fmt.Errorf("resume: encoding: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func Load(path string) (*Progress, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rf resumeFile
	if err := bencode.Unmarshal(f, &rf); err != nil {
		return nil, fmt.Errorf("resume: decoding: %w", err)
	}

	p := &Progress{
		Name:       rf.Name,
		Downloaded: rf.Downloaded,
		Uploaded:   rf.Uploaded,
		Have:       bitfield.Bitfield(rf.Have),
	}
	for _, v := range rf.DND {
		p.DND = append(p.DND, v != 0)
	}
	return p, nil
}

// Remove deletes the resume file; a missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
