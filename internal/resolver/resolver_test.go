package resolver_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/buildshim/storefuse/internal/index"
	"github.com/buildshim/storefuse/internal/popularity"
	"github.com/buildshim/storefuse/internal/prompt"
	"github.com/buildshim/storefuse/internal/resolution"
	"github.com/buildshim/storefuse/internal/resolver"
	"github.com/buildshim/storefuse/internal/shadow"
	"github.com/buildshim/storefuse/internal/storepath"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
)

type fakePrompter struct {
	reply prompt.Reply
	err   error
	calls int
}

func (f *fakePrompter) Search(candidates []storepath.Candidate, suggested storepath.Candidate) (prompt.Reply, error) {
	f.calls++
	if f.err != nil {
		return prompt.Reply{}, f.err
	}
	return f.reply, nil
}

type fakeHelper struct {
	fail  bool
	calls []string
}

func (f *fakeHelper) Realize(ctx context.Context, path string) error {
	f.calls = append(f.calls, path)
	if f.fail {
		return &invalidPathStub{path: path}
	}
	return nil
}

type invalidPathStub struct{ path string }

func (e *invalidPathStub) Error() string { return "helper rejected " + e.path }

func emptyIndex() *index.Reader { return index.Open(nil) }

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// mkdirAndSymlink creates dir and a symlink named name inside it pointing
// at target, standing in for what shadow.Extend would have produced.
func mkdirAndSymlink(dir, name, target string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.Symlink(target, dir+"/"+name)
}

func buildIndex(rows ...string) *index.Reader {
	return index.Open([]byte(strings.Join(rows, "\n") + "\n"))
}

func newTestResolver(t *testing.T, idx *index.Reader, pop *popularity.Oracle, pr resolver.Prompter, helper resolver.Helper, db resolution.DB) *resolver.Resolver {
	t.Helper()
	if pop == nil {
		o, err := popularity.Load("")
		if err != nil {
			t.Fatal(err)
		}
		pop = o
	}
	if db == nil {
		db = resolution.DB{}
	}
	sh := shadow.New(t.TempDir())
	r, err := resolver.New(resolver.Config{}, idx, pop, sh, pr, helper, db)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// lookupGlobalDir looks up name (a bare global-dir name) under root and
// returns the inode it was assigned.
func lookupGlobalDir(t *testing.T, r *resolver.Resolver, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: name}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("looking up global dir %q: %v", name, err)
	}
	return op.Entry.Child
}

func TestLookupGlobalDirHit(t *testing.T) {
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, &fakeHelper{}, nil)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "bin"}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode(bin) = %v, want nil", err)
	}
	if op.Entry.Child == 0 {
		t.Error("global dir lookup did not assign an inode")
	}
	if got := r.Stats().GlobalDirHits; got != 1 {
		t.Errorf("GlobalDirHits = %d, want 1", got)
	}
}

func TestLookupRootMiss(t *testing.T) {
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, &fakeHelper{}, nil)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nonexistent-top-level-dir"}
	err := r.LookUpInode(context.Background(), op)
	if err != fuse.ENOENT {
		t.Errorf("LookUpInode at root for unknown name = %v, want ENOENT", err)
	}
}

func TestLookupUnknownParentIsFatal(t *testing.T) {
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, &fakeHelper{}, nil)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(999999), Name: "less"}
	err := r.LookUpInode(context.Background(), op)
	if err != fuse.EIO {
		t.Fatalf("LookUpInode with an unknown parent inode = %v, want EIO", err)
	}
	select {
	case fatalErr := <-r.Fatal():
		if fatalErr == nil {
			t.Error("Fatal() delivered a nil error")
		}
	default:
		t.Error("Fatal() channel is empty, want the kernel-invariant error queued")
	}
}

func TestLookupAutomaticModeRealizesSuggestedCandidate(t *testing.T) {
	idx := buildIndex("2k9s1f7y\tless\t1\t/bin/less\tR")
	helper := &fakeHelper{}
	pr := &fakePrompter{reply: prompt.Reply{Chosen: storepath.Candidate{
		Store: storepath.StorePath{Path: "/store/2k9s1f7y-less", Origin: storepath.Origin{AttrName: "less", TopLevel: true}},
		Entry: storepath.FileTreeEntry{Path: "/bin/less", Node: storepath.Regular},
	}}}
	r := newTestResolver(t, idx, nil, pr, helper, nil)

	binIno := lookupGlobalDir(t, r, "bin")
	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode(bin/less) = %v, want nil", err)
	}
	if op.Entry.Child == 0 {
		t.Error("lookup did not assign an inode for the realized candidate")
	}
	if pr.calls != 1 {
		t.Errorf("prompter was consulted %d times, want 1", pr.calls)
	}
	if len(helper.calls) != 1 || helper.calls[0] != "/store/2k9s1f7y-less/bin/less" {
		t.Errorf("helper.Realize calls = %v, want one call for /store/2k9s1f7y-less/bin/less", helper.calls)
	}
	if got := r.Stats().PackagesRealized; got != 1 {
		t.Errorf("PackagesRealized = %d, want 1", got)
	}

	readOp := &fuseops.ReadSymlinkOp{Inode: op.Entry.Child}
	if err := r.ReadSymlink(context.Background(), readOp); err != nil {
		t.Fatalf("ReadSymlink = %v, want nil", err)
	}
	if readOp.Target != "/store/2k9s1f7y-less/bin/less" {
		t.Errorf("ReadSymlink target = %q, want %q", readOp.Target, "/store/2k9s1f7y-less/bin/less")
	}
}

func TestLookupUserDeclineRecordsIgnoreAndNegativeCache(t *testing.T) {
	idx := buildIndex("2k9s1f7y\tless\t1\t/bin/less\tR")
	helper := &fakeHelper{}
	pr := &fakePrompter{reply: prompt.Reply{Ignore: true}}
	r := newTestResolver(t, idx, nil, pr, helper, nil)

	binIno := lookupGlobalDir(t, r, "bin")
	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	err := r.LookUpInode(context.Background(), op)
	if err != fuse.ENOENT {
		t.Fatalf("LookUpInode after a decline = %v, want ENOENT", err)
	}
	if len(helper.calls) != 0 {
		t.Errorf("helper.Realize was called %d times after a decline, want 0", len(helper.calls))
	}
	if got := r.IgnoredPaths(); len(got) != 1 || got[0] != "bin/less" {
		t.Errorf("IgnoredPaths = %v, want [bin/less]", got)
	}

	// A second lookup must hit the negative cache rather than prompting again.
	op2 := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	err = r.LookUpInode(context.Background(), op2)
	if err != fuse.ENOENT {
		t.Fatalf("second LookUpInode = %v, want ENOENT", err)
	}
	if pr.calls != 1 {
		t.Errorf("prompter was consulted %d times across two lookups, want 1 (second should hit the negative cache)", pr.calls)
	}
	if got := r.Stats().NegativeCacheHits; got != 1 {
		t.Errorf("NegativeCacheHits = %d, want 1", got)
	}
}

func TestLookupIndexMissRecordsNegativeCache(t *testing.T) {
	idx := emptyIndex()
	r := newTestResolver(t, idx, nil, &fakePrompter{}, &fakeHelper{}, nil)
	binIno := lookupGlobalDir(t, r, "bin")

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "nonexistent"}
	if err := r.LookUpInode(context.Background(), op); err != fuse.ENOENT {
		t.Fatalf("LookUpInode on an empty index = %v, want ENOENT", err)
	}
	if got := r.Stats().NegativeCacheHits; got != 0 {
		t.Errorf("NegativeCacheHits after first miss = %d, want 0", got)
	}

	op2 := &fuseops.LookUpInodeOp{Parent: binIno, Name: "nonexistent"}
	if err := r.LookUpInode(context.Background(), op2); err != fuse.ENOENT {
		t.Fatalf("second LookUpInode = %v, want ENOENT", err)
	}
	if got := r.Stats().NegativeCacheHits; got != 1 {
		t.Errorf("NegativeCacheHits after repeat miss = %d, want 1", got)
	}
}

func TestLookupRecordedDecisionSkipsPromptAndIndex(t *testing.T) {
	db := resolution.DB{
		"bin/less": {
			Tag:           "constant",
			RequestedPath: "bin/less",
			Decision: resolution.Decision{
				Kind:          "symlink",
				FileEntryName: "/bin/less",
				StorePath:     storepath.StorePath{Path: "/store/2k9s1f7y-less", Origin: storepath.Origin{AttrName: "less", TopLevel: true}},
			},
		},
	}
	helper := &fakeHelper{}
	pr := &fakePrompter{}
	r := newTestResolver(t, emptyIndex(), nil, pr, helper, db)

	binIno := lookupGlobalDir(t, r, "bin")
	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode on a recorded decision = %v, want nil", err)
	}
	if pr.calls != 0 {
		t.Errorf("prompter was consulted %d times for a recorded decision, want 0", pr.calls)
	}
	if len(helper.calls) != 1 || helper.calls[0] != "/store/2k9s1f7y-less/bin/less" {
		t.Errorf("helper.Realize calls = %v, want one call for /store/2k9s1f7y-less/bin/less", helper.calls)
	}
	if got := r.Stats().RecordedDecisionHits; got != 1 {
		t.Errorf("RecordedDecisionHits = %d, want 1", got)
	}
}

func TestLookupRecordedDecisionRealizeFailureIsFatal(t *testing.T) {
	db := resolution.DB{
		"bin/less": {
			Tag:           "constant",
			RequestedPath: "bin/less",
			Decision: resolution.Decision{
				Kind:          "symlink",
				FileEntryName: "/bin/less",
				StorePath:     storepath.StorePath{Path: "/store/gone-less"},
			},
		},
	}
	helper := &fakeHelper{fail: true}
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, helper, db)
	binIno := lookupGlobalDir(t, r, "bin")

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	err := r.LookUpInode(context.Background(), op)
	if err != fuse.EIO {
		t.Fatalf("LookUpInode with a failing realize on a recorded decision = %v, want EIO", err)
	}
	select {
	case <-r.Fatal():
	default:
		t.Error("Fatal() channel is empty after a recorded-decision realize failure")
	}
}

func TestLookupRankPrefersMorePopularCandidate(t *testing.T) {
	idx := buildIndex(
		"2k9s1f7y\tless\t1\t/bin/less\tR",
		"3m8t2g9x\tless-classic\t1\t/bin/less\tR",
	)
	popDir := t.TempDir()
	popPath := popDir + "/popularity.tsv"
	if err := writeFile(popPath, "less-classic\t999\nless\t1\n"); err != nil {
		t.Fatal(err)
	}
	pop, err := popularity.Load(popPath)
	if err != nil {
		t.Fatal(err)
	}

	var captured []storepath.Candidate
	pr := &fakePrompter{}
	helper := &fakeHelper{}
	r := newTestResolver(t, idx, pop, &recordingPrompter{fakePrompter: pr, out: &captured}, helper, nil)
	binIno := lookupGlobalDir(t, r, "bin")

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	_ = r.LookUpInode(context.Background(), op)

	if len(captured) != 2 {
		t.Fatalf("prompter saw %d candidates, want 2", len(captured))
	}
	if got := captured[0].Store.Origin.AttrName; got != "less-classic" {
		t.Errorf("first-ranked candidate = %q, want the more popular %q", got, "less-classic")
	}
}

// recordingPrompter wraps fakePrompter to capture the candidate slice Search
// was actually called with, so ranking can be asserted on without exposing
// unexported resolver state.
type recordingPrompter struct {
	*fakePrompter
	out *[]storepath.Candidate
}

func (r *recordingPrompter) Search(candidates []storepath.Candidate, suggested storepath.Candidate) (prompt.Reply, error) {
	*r.out = candidates
	if len(candidates) > 0 {
		return prompt.Reply{Chosen: candidates[0]}, nil
	}
	return prompt.Reply{Ignore: true}, nil
}

func TestLookupHomogeneityViolationIsFatal(t *testing.T) {
	idx := buildIndex(
		"2k9s1f7y\tweird\t1\t/bin/weird\tD",
		"3m8t2g9x\tweird-other\t1\t/bin/weird\tR",
	)
	r := newTestResolver(t, idx, nil, &fakePrompter{}, &fakeHelper{}, nil)
	binIno := lookupGlobalDir(t, r, "bin")

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "weird"}
	err := r.LookUpInode(context.Background(), op)
	if err != fuse.EIO {
		t.Fatalf("LookUpInode on a mixed directory/file candidate set = %v, want EIO", err)
	}
	select {
	case <-r.Fatal():
	default:
		t.Error("Fatal() channel is empty after a homogeneity violation")
	}
}

func TestLookupShadowFastPath(t *testing.T) {
	shadowRoot := t.TempDir()
	sh := shadow.New(shadowRoot)
	pop, err := popularity.Load("")
	if err != nil {
		t.Fatal(err)
	}
	r, err := resolver.New(resolver.Config{}, emptyIndex(), pop, sh, &fakePrompter{}, &fakeHelper{}, resolution.DB{})
	if err != nil {
		t.Fatal(err)
	}

	binIno := lookupGlobalDir(t, r, "bin")

	// Simulate a previously-extended shadow tree by dropping a symlink
	// directly where Extend would have placed one.
	shadowBin := shadowRoot + "/bin"
	if err := mkdirAndSymlink(shadowBin, "less", "/store/2k9s1f7y-less/bin/less"); err != nil {
		t.Fatal(err)
	}

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode via the shadow fast path = %v, want nil", err)
	}
	if got := r.Stats().ShadowHits; got != 1 {
		t.Errorf("ShadowHits = %d, want 1", got)
	}

	readOp := &fuseops.ReadSymlinkOp{Inode: op.Entry.Child}
	if err := r.ReadSymlink(context.Background(), readOp); err != nil {
		t.Fatalf("ReadSymlink on a shadow redirection = %v, want nil", err)
	}
	if readOp.Target != shadowBin+"/less" {
		t.Errorf("ReadSymlink target = %q, want %q", readOp.Target, shadowBin+"/less")
	}
}

func TestReadSymlinkGCedPackageDemotesToENOENT(t *testing.T) {
	idx := buildIndex("2k9s1f7y\tless\t1\t/bin/less\tR")
	pr := &fakePrompter{reply: prompt.Reply{Chosen: storepath.Candidate{
		Store: storepath.StorePath{Path: "/store/2k9s1f7y-less", Origin: storepath.Origin{AttrName: "less", TopLevel: true}},
		Entry: storepath.FileTreeEntry{Path: "/bin/less", Node: storepath.Regular},
	}}}
	helper := &fakeHelper{}
	r := newTestResolver(t, idx, nil, pr, helper, nil)
	binIno := lookupGlobalDir(t, r, "bin")

	op := &fuseops.LookUpInodeOp{Parent: binIno, Name: "less"}
	if err := r.LookUpInode(context.Background(), op); err != nil {
		t.Fatal(err)
	}

	helper.fail = true
	readOp := &fuseops.ReadSymlinkOp{Inode: op.Entry.Child}
	err := r.ReadSymlink(context.Background(), readOp)
	if err != fuse.ENOENT {
		t.Errorf("ReadSymlink after the backing package was GCed = %v, want ENOENT (not fatal)", err)
	}
	select {
	case e := <-r.Fatal():
		t.Errorf("Fatal() delivered %v, want readlink-time realize failures to never be fatal", e)
	default:
	}
}

func TestGetInodeAttributesUnknownInode(t *testing.T) {
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, &fakeHelper{}, nil)
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.InodeID(123456)}
	if err := r.GetInodeAttributes(context.Background(), op); err != fuse.ENOENT {
		t.Errorf("GetInodeAttributes on an unknown inode = %v, want ENOENT", err)
	}
}

func TestGetInodeAttributesRoot(t *testing.T) {
	r := newTestResolver(t, emptyIndex(), nil, &fakePrompter{}, &fakeHelper{}, nil)
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.RootInodeID}
	if err := r.GetInodeAttributes(context.Background(), op); err != nil {
		t.Fatalf("GetInodeAttributes(root) = %v, want nil", err)
	}
	if op.Attributes.Mode&0555 == 0 {
		t.Errorf("root attributes mode = %v, want directory bits set", op.Attributes.Mode)
	}
}
