package index

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/exp/mmap"
)

// gzipMagic is the two-byte gzip header, peeked to decide whether OpenFile
// needs to decompress the file or can mmap it directly.
var gzipMagic = [2]byte{0x1f, 0x8b}

// OpenFile opens the index buffer at path for querying. The index is a few
// hundred MB uncompressed in a real deployment, so a plain (uncompressed)
// file is mmapped rather than read fully into the Go heap — the same
// avoid-the-whole-file-copy reasoning as the teacher's own
// golang.org/x/exp/mmap.Open use for squashfs package images in
// internal/install/install.go, just applied to a flat index instead of a
// squashfs image. A gzip-compressed file is decompressed into memory first,
// since gzip only supports sequential reads and mmap cannot help there.
// The returned Reader must be closed by the caller when the mount unmounts.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [2]byte
	n, _ := io.ReadFull(f, magic[:])
	if n == 2 && magic == gzipMagic {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		buf, err := ioutil.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		return Open(buf), nil
	}

	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{ra: ra, size: int64(ra.Len()), closer: ra}, nil
}

// DefaultCacheDir returns the directory under the user's cache home where a
// locally materialized index is expected to live, e.g.
// $XDG_CACHE_HOME/storefuse, creating it if needed.
func DefaultCacheDir() (string, error) {
	ucd, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(ucd, "storefuse")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
