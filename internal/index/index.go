// Package index implements the Index Reader (spec component A): a regex
// query over a prebuilt (package, file-entry) index held as an in-memory
// byte buffer. The on-disk encoding is opaque to the rest of the resolver;
// only this package parses it.
package index

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buildshim/storefuse/internal/storepath"
	"regexp"
)

// CorruptionError is returned when a row of the index buffer cannot be
// parsed. It is fatal to the caller: it signals that the prebuilt index is
// not trustworthy and must never be silently skipped.
type CorruptionError struct {
	Line int
	Raw  string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("index corruption at line %d (%q): %v", e.Line, e.Raw, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Reader is a single-use-per-query view over a read-only index buffer. The
// buffer is addressed through an io.ReaderAt rather than held as a single
// []byte so that a large on-disk index (OpenFile mmaps it rather than
// reading it fully into the Go heap) and a small build-time-embedded buffer
// (Open) can share one implementation. Multiple Readers may share the same
// underlying buffer.
type Reader struct {
	ra     io.ReaderAt
	size   int64
	closer io.Closer // non-nil only when the backing store must be released, e.g. an mmap
}

// Open wraps buf (the full decoded index) for querying. buf is never copied
// or mutated. Used for a build-time-embedded index; a file-backed index
// should go through OpenFile instead.
func Open(buf []byte) *Reader {
	return &Reader{ra: bytes.NewReader(buf), size: int64(len(buf))}
}

// Close releases the backing store if Reader owns one (e.g. an mmap handle
// from OpenFile). It is a no-op for a Reader built with Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Query returns every candidate whose file path matches re, after dropping
// candidates whose StorePath is not top-level. re is expected to already be
// anchored (e.g. "^/bin/hello$"); Query does not anchor it itself, since the
// resolver is the one that knows the full virtual path being resolved.
func (r *Reader) Query(re *regexp.Regexp) ([]storepath.Candidate, error) {
	var out []storepath.Candidate
	sc := bufio.NewScanner(io.NewSectionReader(r.ra, 0, r.size))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		cand, err := parseRow(line)
		if err != nil {
			return nil, &CorruptionError{Line: lineNo, Raw: line, Err: err}
		}
		if !cand.Store.Origin.TopLevel {
			continue
		}
		if !re.MatchString(cand.Entry.Path) {
			continue
		}
		out = append(out, cand)
	}
	if err := sc.Err(); err != nil {
		return nil, &CorruptionError{Line: lineNo, Err: err}
	}
	return out, nil
}

// parseRow decodes one line of the format:
//
//	<hash>\t<attrName>\t<toplevel 0|1>\t<path>\t<kind R|S|D>
func parseRow(line string) (storepath.Candidate, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return storepath.Candidate{}, fmt.Errorf("want 5 tab-separated fields, got %d", len(fields))
	}
	hash, attrName, toplevelStr, path, kindStr := fields[0], fields[1], fields[2], fields[3], fields[4]
	if hash == "" || attrName == "" {
		return storepath.Candidate{}, fmt.Errorf("hash and attribute name must not be empty")
	}
	toplevel, err := strconv.ParseBool(toplevelStr)
	if err != nil {
		return storepath.Candidate{}, fmt.Errorf("invalid toplevel flag %q: %v", toplevelStr, err)
	}
	if !strings.HasPrefix(path, "/") {
		return storepath.Candidate{}, fmt.Errorf("path %q must start with /", path)
	}
	var kind storepath.Kind
	switch kindStr {
	case "R":
		kind = storepath.Regular
	case "S":
		kind = storepath.Symlink
	case "D":
		kind = storepath.Directory
	default:
		return storepath.Candidate{}, fmt.Errorf("unknown kind %q", kindStr)
	}
	return storepath.Candidate{
		Store: storepath.StorePath{
			Path:   "/store/" + hash + "-" + attrName,
			Origin: storepath.Origin{AttrName: attrName, TopLevel: toplevel},
		},
		Entry: storepath.FileTreeEntry{Path: path, Node: kind},
	}, nil
}

// AnchoredPattern builds the full-path-anchored regex source for a given
// virtual path, per spec §4.A ("^/<escaped(path)>$").
func AnchoredPattern(virtualPath string) string {
	return "^/" + regexp.QuoteMeta(virtualPath) + "$"
}
