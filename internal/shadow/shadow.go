// Package shadow implements the Shadow Tree Manager (spec component D): an
// on-disk overlay of directories and symlinks mirroring portions of
// realized packages, used as a fast path that bypasses the resolver for
// files it has already seen once.
package shadow

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/buildshim/storefuse/internal/storepath"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// maxSymlinkDepth bounds iterative readlink resolution so a cyclic symlink
// inside a store path cannot hang extend forever.
const maxSymlinkDepth = 40

// defaultExcluded always includes nix-support, per spec §4.D.
var defaultExcluded = []string{"nix-support"}

// Manager owns a single shadow-root directory and extends it with
// first-writer-wins semantics: a path already present is never touched
// again, so the tree is a monotonically growing subset of the union of
// every package it has been extended with.
type Manager struct {
	root     string
	excluded []string
}

// New creates a Manager rooted at root (which must already exist), plus any
// caller-supplied excluded subtree names on top of the built-in default.
func New(root string, excluded ...string) *Manager {
	m := &Manager{root: root}
	m.excluded = append(append([]string{}, defaultExcluded...), excluded...)
	return m
}

// Root returns the shadow tree's root directory.
func (m *Manager) Root() string { return m.root }

// Lookup reports whether target (a virtual, root-relative path) already
// exists under the shadow root, returning its absolute on-disk path.
func (m *Manager) Lookup(target string) (string, bool) {
	full := filepath.Join(m.root, target)
	if _, err := os.Lstat(full); err != nil {
		return "", false
	}
	return full, true
}

type walkEntry struct {
	storeRel string // path relative to the store-path root, begins with "/"
	srcAbs   string // absolute real path being visited
}

// Extend walks sp without following symlinks and mirrors it into the
// shadow tree. Any I/O error aborts the walk; a later call for the same
// package may retry — partial progress from an aborted extend is safe to
// leave in place because of first-writer-wins.
func (m *Manager) Extend(sp storepath.StorePath) error {
	queue := []walkEntry{{storeRel: "", srcAbs: sp.Path}}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		if m.isExcluded(e.storeRel) {
			continue
		}

		shadowPath := filepath.Join(m.root, e.storeRel)
		// The shadow root itself always pre-exists (every package's top level
		// merges into the same root), so it can never be treated as already
		// mirrored; every other path is first-writer-wins.
		if e.storeRel != "" {
			if _, err := os.Lstat(shadowPath); err == nil {
				continue
			}
		}

		fi, err := os.Lstat(e.srcAbs)
		if err != nil {
			return xerrors.Errorf("shadow: lstat %s: %w", e.srcAbs, err)
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			if err := m.extendSymlink(shadowPath, e, &queue); err != nil {
				return err
			}
		case fi.IsDir():
			if err := os.MkdirAll(shadowPath, 0755); err != nil {
				return xerrors.Errorf("shadow: mkdir %s: %w", shadowPath, err)
			}
			entries, err := os.ReadDir(e.srcAbs)
			if err != nil {
				return xerrors.Errorf("shadow: readdir %s: %w", e.srcAbs, err)
			}
			for _, ent := range entries {
				queue = append(queue, walkEntry{
					storeRel: e.storeRel + "/" + ent.Name(),
					srcAbs:   filepath.Join(e.srcAbs, ent.Name()),
				})
			}
		default:
			// A concurrent Extend for the same path may have already won the
			// race between the Lstat check above and this Symlink; losing that
			// race is exactly what first-writer-wins means, not an error.
			if err := os.Symlink(e.srcAbs, shadowPath); err != nil && !os.IsExist(err) {
				return xerrors.Errorf("shadow: symlink %s -> %s: %w", shadowPath, e.srcAbs, err)
			}
		}
	}
	return nil
}

// extendSymlink fully resolves e.srcAbs (iterative readlink with loop
// protection, relative targets promoted against the link's own parent
// directory). A directory target is pushed back onto the queue for
// recursion; a file target is mirrored as a symlink to the *original*
// symlinked path, preserving the view the package exposes.
func (m *Manager) extendSymlink(shadowPath string, e walkEntry, queue *[]walkEntry) error {
	resolved := e.srcAbs
	seen := 0
	for {
		fi, err := os.Lstat(resolved)
		if err != nil {
			return xerrors.Errorf("shadow: lstat %s: %w", resolved, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		seen++
		if seen > maxSymlinkDepth {
			return xerrors.Errorf("shadow: symlink loop resolving %s", e.srcAbs)
		}
		target, err := readlinkString(resolved)
		if err != nil {
			return xerrors.Errorf("shadow: readlink %s: %w", resolved, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(resolved), target)
		}
		resolved = target
	}

	fi, err := os.Lstat(resolved)
	if err != nil {
		return xerrors.Errorf("shadow: lstat %s: %w", resolved, err)
	}
	if fi.IsDir() {
		*queue = append(*queue, walkEntry{storeRel: e.storeRel, srcAbs: resolved})
		return nil
	}
	if err := os.Symlink(e.srcAbs, shadowPath); err != nil && !os.IsExist(err) {
		return xerrors.Errorf("shadow: symlink %s -> %s: %w", shadowPath, e.srcAbs, err)
	}
	return nil
}

func readlinkString(path string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(path, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

func (m *Manager) isExcluded(storeRel string) bool {
	parts := strings.Split(strings.TrimPrefix(storeRel, "/"), "/")
	if len(parts) == 0 {
		return false
	}
	first := parts[0]
	for _, ex := range m.excluded {
		if first == ex {
			return true
		}
	}
	return false
}
