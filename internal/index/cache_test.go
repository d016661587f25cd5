package index_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/buildshim/storefuse/internal/index"
	"github.com/klauspost/compress/gzip"
)

func TestOpenFilePlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	row := []byte("2k9s1f7y\tless\t1\t/bin/less\tR\n")
	if err := os.WriteFile(path, row, 0644); err != nil {
		t.Fatal(err)
	}

	idx, err := index.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	cands, err := idx.Query(regexp.MustCompile(index.AnchoredPattern("bin/less")))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Entry.Path != "/bin/less" {
		t.Errorf("Query = %+v, want a single /bin/less candidate", cands)
	}
}

func TestOpenFileGzipFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db.gz")
	row := []byte("2k9s1f7y\tless\t1\t/bin/less\tR\n")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(row); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err := index.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	cands, err := idx.Query(regexp.MustCompile(index.AnchoredPattern("bin/less")))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Entry.Path != "/bin/less" {
		t.Errorf("Query = %+v, want a single /bin/less candidate", cands)
	}
}

func TestOpenFileMissingFile(t *testing.T) {
	_, err := index.OpenFile(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("OpenFile succeeded on a missing file, want error")
	}
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	dir, err := index.DefaultCacheDir()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "storefuse" {
		t.Errorf("DefaultCacheDir = %q, want basename storefuse", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("DefaultCacheDir %q was not created as a directory", dir)
	}
}
