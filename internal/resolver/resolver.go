// Package resolver implements the Lookup Resolver (spec component F): the
// central fuseutil.FileSystem that turns (parent-inode, name) lookups into
// replies, orchestrating the index, resolution store, popularity oracle,
// shadow tree, and interactive prompter while owning the inode table and
// negative cache.
package resolver

import (
	"context"
	"log"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/buildshim/storefuse/internal/index"
	"github.com/buildshim/storefuse/internal/popularity"
	"github.com/buildshim/storefuse/internal/prompt"
	"github.com/buildshim/storefuse/internal/resolution"
	"github.com/buildshim/storefuse/internal/shadow"
	"github.com/buildshim/storefuse/internal/storepath"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// globalDirNames are the hardcoded FHS-like relative paths allocated at
// init. lib/pkgconfig is registered by its full relative string, not by
// nesting under lib: the kernel discovers it by walking lib first, so the
// virtual path the resolver sees for it is already "lib/pkgconfig".
var globalDirNames = []string{"bin", "include", "perl", "aclocal", "cmake", "lib", "lib/pkgconfig"}

const (
	globalDirExpiration = 1 * time.Hour
	symlinkExpiration   = 20 * time.Minute

	modeDir     = os.ModeDir | 0555
	modeSymlink = os.ModeSymlink | 0444
)

// never matches entries that can never change for the lifetime of a mount.
var never = time.Now().Add(365 * 24 * time.Hour)

type lookupKey struct {
	Parent fuseops.InodeID
	Name   string
}

type nixPathEntry struct {
	Store         storepath.StorePath
	FileEntryName string
}

// Prompter is the subset of *prompt.Prompter the resolver depends on.
// Depending on the interface rather than the concrete worker type lets
// tests substitute a canned responder without spinning up a goroutine or a
// real terminal.
type Prompter interface {
	Search(candidates []storepath.Candidate, suggested storepath.Candidate) (prompt.Reply, error)
}

// Helper is the subset of *storehelper.Helper the resolver depends on.
type Helper interface {
	Realize(ctx context.Context, path string) error
}

// Stats is a point-in-time snapshot of resolver activity, useful for tests
// and for --print-ignored-paths' sibling diagnostics without instrumenting
// jacobsa/fuse itself.
type Stats struct {
	GlobalDirHits        int
	NegativeCacheHits    int
	ShadowHits           int
	RecordedDecisionHits int
	IndexQueries         int
	PromptsAsked         int
	PackagesRealized     int
}

// Config carries the handful of knobs the launcher controls that aren't
// already owned by one of the collaborator components.
type Config struct {
	// RecordPath, if non-empty, is where Shutdown serializes the final
	// ResolutionDB. An empty RecordPath means the session's decisions are
	// discarded at unmount.
	RecordPath string
}

// Resolver is the fuseutil.FileSystem implementation. A single mutex
// guards the inode table, the negative cache, and the resolution DB; it is
// held for the whole of steps 1-6 and 8 of lookup, and released only while
// blocked on the prompter in step 7, per spec §5.
type Resolver struct {
	fuseutil.NotImplementedFileSystem

	cfg        Config
	index      *index.Reader
	popularity *popularity.Oracle
	shadow     *shadow.Manager
	prompter   Prompter
	helper     Helper

	mu             sync.Mutex
	db             resolution.DB
	parentPrefixes map[fuseops.InodeID]string
	globalDirs     map[string]fuseops.InodeID
	nixPaths       map[fuseops.InodeID]nixPathEntry
	redirections   map[fuseops.InodeID]string
	recordedEnoent map[lookupKey]struct{}
	lastInode      fuseops.InodeID
	stats          Stats

	fatal chan error
}

// New builds a Resolver and runs Init steps 1-4: it negotiates nothing
// itself (PARALLEL_DIROPS is accepted by the host FUSE runtime via the
// MountConfig the launcher builds; the resolver's contribution is simply
// that every step below is safe to run concurrently once the single mutex
// is in place), allocates the mount root and the fixed top-level
// directories, and eagerly extends the shadow tree for every Provide
// decision already present in db so the build doesn't even reenter the
// resolver for previously-resolved files.
func New(cfg Config, idx *index.Reader, pop *popularity.Oracle, sh *shadow.Manager, pr Prompter, helper Helper, db resolution.DB) (*Resolver, error) {
	r := &Resolver{
		cfg:        cfg,
		index:      idx,
		popularity: pop,
		shadow:     sh,
		prompter:   pr,
		helper:     helper,
		db:         db,

		parentPrefixes: map[fuseops.InodeID]string{fuseops.RootInodeID: ""},
		globalDirs:     make(map[string]fuseops.InodeID),
		nixPaths:       make(map[fuseops.InodeID]nixPathEntry),
		redirections:   make(map[fuseops.InodeID]string),
		recordedEnoent: make(map[lookupKey]struct{}),
		lastInode:      fuseops.RootInodeID,
		fatal:          make(chan error, 1),
	}

	for _, rel := range globalDirNames {
		ino := r.allocateInodeLocked()
		r.globalDirs[rel] = ino
		r.parentPrefixes[ino] = rel
	}

	var eg errgroup.Group
	for _, res := range db {
		if res.Decision.Ignore {
			continue
		}
		sp := res.Decision.StorePath
		eg.Go(func() error {
			if err := sh.Extend(sp); err != nil {
				log.Printf("resolver: prewarming shadow tree for %s: %v", sp, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return r, nil
}

// allocateInodeLocked hands out the next inode. Callers must hold mu.
// last-inode is strictly monotonic; a lookup that ends in an error never
// calls this, so failure paths never leave a dangling allocation.
func (r *Resolver) allocateInodeLocked() fuseops.InodeID {
	r.lastInode++
	return r.lastInode
}

func joinTarget(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func dirAttrs() fuseops.InodeAttributes {
	now := time.Now()
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  modeDir,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

func symlinkAttrs() fuseops.InodeAttributes {
	now := time.Now()
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  modeSymlink,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

func decisionKind(k storepath.Kind) string {
	switch k {
	case storepath.Directory:
		return "directory"
	case storepath.Symlink:
		return "symlink"
	default:
		return "regular-file"
	}
}

func assertHomogeneous(target string, candidates []storepath.Candidate) error {
	var dirs, other int
	for _, c := range candidates {
		if c.Entry.Node.IsDir() {
			dirs++
		} else {
			other++
		}
	}
	if dirs > 0 && other > 0 {
		return &HomogeneityError{Target: target}
	}
	return nil
}

func rank(candidates []storepath.Candidate, oracle *popularity.Oracle) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return oracle.Score(candidates[i].Store.Origin.AttrName) > oracle.Score(candidates[j].Store.Origin.AttrName)
	})
}

// abort records err as the reason the resolver can no longer answer
// requests soundly and answers the current one with EIO. It never panics:
// jacobsa/fuse dispatches each op on a goroutine of its own choosing, so
// the launcher instead watches Fatal() and tears the process down from
// there once it observes a send.
func (r *Resolver) abort(err error) error {
	select {
	case r.fatal <- &FatalError{Err: err}:
	default:
	}
	log.Printf("storefuse: fatal: %v", err)
	return fuse.EIO
}

// Fatal returns the channel the launcher's supervising goroutine should
// watch; a send means lookup or readlink hit an error that makes further
// replies unsound (spec §7).
func (r *Resolver) Fatal() <-chan error { return r.fatal }

// LookUpInode implements the decision order of spec §4.F verbatim.
func (r *Resolver) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	r.mu.Lock()

	prefix, ok := r.parentPrefixes[op.Parent]
	if !ok {
		r.mu.Unlock()
		return r.abort(&KernelInvariantError{Inode: op.Parent})
	}
	target := joinTarget(prefix, op.Name)

	// Step 1: global directory hit.
	if ino, ok := r.globalDirs[target]; ok {
		r.stats.GlobalDirHits++
		now := time.Now().Add(globalDirExpiration)
		op.Entry.Child = ino
		op.Entry.Attributes = dirAttrs()
		op.Entry.AttributesExpiration = now
		op.Entry.EntryExpiration = now
		r.mu.Unlock()
		return nil
	}

	// Step 2: root and nothing matched.
	if op.Parent == fuseops.RootInodeID {
		r.mu.Unlock()
		return fuse.ENOENT
	}

	key := lookupKey{Parent: op.Parent, Name: op.Name}

	// Step 3: session negative cache.
	if _, ok := r.recordedEnoent[key]; ok {
		r.stats.NegativeCacheHits++
		r.mu.Unlock()
		return fuse.ENOENT
	}

	// Step 4: shadow-tree fast path.
	if shadowPath, ok := r.shadow.Lookup(target); ok {
		r.stats.ShadowHits++
		ino := r.allocateInodeLocked()
		r.redirections[ino] = shadowPath
		exp := time.Now().Add(symlinkExpiration)
		op.Entry.Child = ino
		op.Entry.Attributes = symlinkAttrs()
		op.Entry.AttributesExpiration = exp
		op.Entry.EntryExpiration = exp
		r.mu.Unlock()
		return nil
	}

	// Step 5: recorded decision.
	if res, ok := r.db[target]; ok {
		r.stats.RecordedDecisionHits++
		if res.Decision.Ignore {
			r.mu.Unlock()
			return fuse.ENOENT
		}
		err := r.provide(ctx, op, target, res.Decision.Kind, res.Decision.FileEntryName, res.Decision.StorePath)
		r.mu.Unlock()
		if err != nil {
			return r.abort(xerrors.Errorf("realizing recorded decision for %s: %w", target, err))
		}
		return nil
	}

	// Step 6: index probe.
	re, err := regexp.Compile(index.AnchoredPattern(target))
	if err != nil {
		r.mu.Unlock()
		return r.abort(xerrors.Errorf("compiling index pattern for %s: %w", target, err))
	}
	candidates, err := r.index.Query(re)
	if err != nil {
		r.mu.Unlock()
		return r.abort(xerrors.Errorf("querying index for %s: %w", target, err))
	}
	r.stats.IndexQueries++
	if len(candidates) == 0 {
		r.recordedEnoent[key] = struct{}{}
		r.mu.Unlock()
		return fuse.ENOENT
	}
	if err := assertHomogeneous(target, candidates); err != nil {
		r.mu.Unlock()
		return r.abort(err)
	}

	// Step 7: rank & ask. The mutex is released for the whole of this step:
	// it is the only suspension point in lookup, and the prompter is
	// single-threaded FIFO, so many lookups may be parked here at once
	// while the state they'll mutate in step 8 sits untouched.
	rank(candidates, r.popularity)
	suggested := candidates[0]
	r.stats.PromptsAsked++
	r.mu.Unlock()

	reply, err := r.prompter.Search(candidates, suggested)
	if err != nil {
		return r.abort(xerrors.Errorf("prompting for %s: %w", target, err))
	}

	// Step 8: apply reply.
	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.Ignore {
		r.db[target] = resolution.Resolution{
			Tag:           "constant",
			RequestedPath: target,
			Decision:      resolution.Decision{Ignore: true},
		}
		r.recordedEnoent[key] = struct{}{}
		return fuse.ENOENT
	}

	chosen := reply.Chosen
	kind := decisionKind(chosen.Entry.Node)
	r.db[target] = resolution.Resolution{
		Tag:           "constant",
		RequestedPath: target,
		Decision: resolution.Decision{
			Kind:          kind,
			FileEntryName: chosen.Entry.Path,
			StorePath:     chosen.Store,
		},
	}
	if err := r.provide(ctx, op, target, kind, chosen.Entry.Path, chosen.Store); err != nil {
		return r.abort(xerrors.Errorf("realizing chosen candidate for %s: %w", target, err))
	}
	if err := r.shadow.Extend(chosen.Store); err != nil {
		log.Printf("resolver: extending shadow tree for %s: %v", chosen.Store, err)
	}
	r.stats.PackagesRealized++
	return nil
}

// provide realizes the store path backing a Provide decision (whether
// recorded or freshly chosen) and fills in op.Entry. Callers must hold mu;
// it is the only place steps 5 and 8 touch the store helper, matching
// spec §7's "fatal in lookup, demoted to ENOENT in readlink" distinction —
// callers here always treat a failure as fatal.
func (r *Resolver) provide(ctx context.Context, op *fuseops.LookUpInodeOp, target, kind, fileEntryName string, sp storepath.StorePath) error {
	full := sp.Join(fileEntryName)
	if err := r.helper.Realize(ctx, full); err != nil {
		return err
	}

	ino := r.allocateInodeLocked()
	exp := time.Now().Add(symlinkExpiration)
	op.Entry.Child = ino
	op.Entry.AttributesExpiration = exp
	op.Entry.EntryExpiration = exp

	if kind == "directory" {
		r.parentPrefixes[ino] = target
		op.Entry.Attributes = dirAttrs()
		return nil
	}
	r.nixPaths[ino] = nixPathEntry{Store: sp, FileEntryName: fileEntryName}
	op.Entry.Attributes = symlinkAttrs()
	return nil
}

// ReadSymlink implements spec §4.F's readlink contract.
func (r *Resolver) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	r.mu.Lock()
	if entry, ok := r.nixPaths[op.Inode]; ok {
		r.mu.Unlock()
		full := entry.Store.Join(entry.FileEntryName)
		// Realization failure here is never fatal: the package may simply
		// have been garbage-collected since lookup.
		if err := r.helper.Realize(ctx, full); err != nil {
			return fuse.ENOENT
		}
		op.Target = full
		return nil
	}
	if path, ok := r.redirections[op.Inode]; ok {
		r.mu.Unlock()
		op.Target = path
		return nil
	}
	r.mu.Unlock()
	return fuse.ENOENT
}

// GetInodeAttributes answers attribute queries for every inode class the
// table can hold.
func (r *Resolver) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.Inode == fuseops.RootInodeID {
		op.Attributes = dirAttrs()
		op.AttributesExpiration = never
		return nil
	}
	if _, ok := r.parentPrefixes[op.Inode]; ok {
		op.Attributes = dirAttrs()
		op.AttributesExpiration = time.Now().Add(globalDirExpiration)
		return nil
	}
	if _, ok := r.nixPaths[op.Inode]; ok {
		op.Attributes = symlinkAttrs()
		op.AttributesExpiration = time.Now().Add(symlinkExpiration)
		return nil
	}
	if _, ok := r.redirections[op.Inode]; ok {
		op.Attributes = symlinkAttrs()
		op.AttributesExpiration = time.Now().Add(symlinkExpiration)
		return nil
	}
	return fuse.ENOENT
}

// StatFS reports a minimal, mostly-fictional filesystem: no contents are
// ever served, so block accounting is meaningless.
func (r *Resolver) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.IoSize = 65536
	return nil
}

// Destroy runs at unmount. Temp-directory cleanup is owned by the launcher
// via internal/oninterrupt, not by the resolver itself.
func (r *Resolver) Destroy() {}

// Shutdown serializes the session's ResolutionDB to cfg.RecordPath if one
// was configured. Per spec §7 this is always best-effort: a write failure
// is logged, never fatal, since the command being shimmed has already run
// to completion by the time Shutdown is called.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.RecordPath == "" {
		return
	}
	if err := resolution.Write(r.cfg.RecordPath, r.db); err != nil {
		log.Printf("resolver: writing resolution db to %s: %v", r.cfg.RecordPath, err)
	}
}

// Stats returns a snapshot of cache-hit and activity counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// IgnoredPaths returns every virtual path the session's DB records as
// Ignore, sorted, for --print-ignored-paths.
func (r *Resolver) IgnoredPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.IgnoredPaths()
}
