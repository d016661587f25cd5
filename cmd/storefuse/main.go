// Command storefuse mounts the on-demand dependency shim and runs a child
// command with its search-path environment variables pointed into the
// mount, per spec §6's "thin collaborator" CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/buildshim/storefuse/internal/env"
	"github.com/buildshim/storefuse/internal/index"
	"github.com/buildshim/storefuse/internal/oninterrupt"
	"github.com/buildshim/storefuse/internal/popularity"
	"github.com/buildshim/storefuse/internal/prompt"
	"github.com/buildshim/storefuse/internal/resolution"
	"github.com/buildshim/storefuse/internal/resolver"
	"github.com/buildshim/storefuse/internal/shadow"
	"github.com/buildshim/storefuse/internal/storehelper"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		automatic       = flag.Bool("automatic", false, "answer every prompt with the resolver's top-ranked suggestion instead of asking interactively")
		naked           = flag.Bool("naked", false, "skip the compiled-in core resolution DB")
		dbPath          = flag.String("db", "", "path to the prebuilt (package, file-entry) index buffer")
		recordTo        = flag.String("record-to", "", "path to serialize the session's resolution DB to on unmount")
		resolutionsFrom = flag.String("resolutions-from", "", "additional resolution DB file, highest priority")
		retry           = flag.Bool("retry", false, "restart the command once on failure if new resolutions were recorded")
		printIgnored    = flag.Bool("print-ignored-paths", false, "print every virtual path resolved as Ignore, on unmount")
		popularityPath  = flag.String("popularity", "", "path to a package\\tcount TSV used to rank candidates")
		realizeBin      = flag.String("realize-bin", "storefuse-realize", "helper binary that materializes a store path")
		closureSizeBin  = flag.String("closure-size-bin", "storefuse-closure-size", "helper binary that reports a store path's closure size")
	)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		return xerrors.Errorf("syntax: storefuse [flags] <command> [args...]")
	}

	db, err := loadResolutionDB(*naked, *resolutionsFrom)
	if err != nil {
		return xerrors.Errorf("composing resolution db: %w", err)
	}

	var idx *index.Reader
	if *dbPath != "" {
		idx, err = index.OpenFile(*dbPath)
		if err != nil {
			return xerrors.Errorf("loading index: %w", err)
		}
	} else {
		idx = index.Open(nil)
	}
	defer idx.Close()

	pop, err := popularity.Load(*popularityPath)
	if err != nil {
		return xerrors.Errorf("loading popularity oracle: %w", err)
	}

	mountpoint, err := ioutil.TempDir("", "storefuse-mnt")
	if err != nil {
		return err
	}
	oninterrupt.Register(func() { os.RemoveAll(mountpoint) })
	defer os.RemoveAll(mountpoint)

	shadowRoot, err := ioutil.TempDir("", "storefuse-shadow")
	if err != nil {
		return err
	}
	oninterrupt.Register(func() { os.RemoveAll(shadowRoot) })
	defer os.RemoveAll(shadowRoot)

	sh := shadow.New(shadowRoot)
	helper := storehelper.New(*realizeBin, *closureSizeBin)

	prompter := prompt.New(*automatic, os.Stdin, os.Stderr)
	go prompter.Run()
	defer prompter.Quit()

	res, err := resolver.New(resolver.Config{RecordPath: *recordTo}, idx, pop, sh, prompter, helper, db)
	if err != nil {
		return xerrors.Errorf("initializing resolver: %w", err)
	}

	server := fuseutil.NewFileSystemServer(res)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "storefuse",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %w", err)
	}
	oninterrupt.Register(func() { syscall.Unmount(mountpoint, 0) })
	defer syscall.Unmount(mountpoint, 0)

	ctx, cancel := interruptibleContext()
	defer cancel()

	// Any resolver error that would make future replies unsound (index
	// corruption, a broken prompter channel, an unknown kernel inode) lands
	// here instead of taking down the whole process from whatever goroutine
	// jacobsa/fuse happened to dispatch it on.
	go func() {
		err := <-res.Fatal()
		log.Printf("storefuse: aborting: %v", err)
		cancel()
		syscall.Unmount(mountpoint, 0)
		os.Exit(1)
	}()

	exitCode, err := runChild(ctx, mountpoint, args)
	if err != nil {
		return err
	}
	if *retry && exitCode != 0 && res.Stats().PackagesRealized > 0 {
		log.Printf("retrying once: %s exited %d and new resolutions were recorded", args[0], exitCode)
		exitCode, err = runChild(ctx, mountpoint, args)
		if err != nil {
			return err
		}
	}

	res.Shutdown()
	if *printIgnored {
		for _, p := range res.IgnoredPaths() {
			fmt.Println(p)
		}
	}

	if err := mfs.Unmount(); err != nil {
		log.Printf("unmounting %s: %v", mountpoint, err)
	}
	if err := mfs.Join(ctx); err != nil {
		log.Printf("joining mount %s: %v", mountpoint, err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// loadResolutionDB composes the ResolutionDB in the priority order of
// spec §4.B: built-in core DB, BUILDXYZ_RESOLUTION_PATH entries,
// data-home default, git-root default, cwd default, --resolutions-from.
func loadResolutionDB(naked bool, resolutionsFrom string) (resolution.DB, error) {
	db := resolution.DB{}

	if !naked {
		core, err := resolution.Load(env.CoreResolutionsDir())
		if err != nil {
			return nil, err
		}
		db = resolution.Merge(db, core)
	}

	for _, p := range env.ResolutionSearchPaths() {
		next, err := resolution.Load(p)
		if err != nil {
			return nil, err
		}
		db = resolution.Merge(db, next)
	}

	for _, p := range []string{env.DataHomeDefault(), env.GitRootDefault()} {
		if p == "" {
			continue
		}
		next, err := resolution.Load(p)
		if err != nil {
			return nil, err
		}
		db = resolution.Merge(db, next)
	}

	cwd, err := os.Getwd()
	if err == nil {
		next, err := resolution.Load(cwd)
		if err != nil {
			return nil, err
		}
		db = resolution.Merge(db, next)
	}

	if resolutionsFrom != "" {
		b, err := ioutil.ReadFile(resolutionsFrom)
		if err != nil {
			return nil, xerrors.Errorf("reading -resolutions-from %s: %w", resolutionsFrom, err)
		}
		next, err := resolution.Read(string(b))
		if err != nil {
			return nil, xerrors.Errorf("parsing -resolutions-from %s: %w", resolutionsFrom, err)
		}
		db = resolution.Merge(db, next)
	}

	return db, nil
}

// runChild launches args[0] with its search-path environment variables
// pointed into mountpoint, waits for it, and reports its exit code.
func runChild(ctx context.Context, mountpoint string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), childSearchPathEnv(mountpoint)...)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, xerrors.Errorf("running %s: %w", args[0], err)
	}
	return 0, nil
}

// childSearchPathEnv builds the PATH/C_INCLUDE_PATH/PKG_CONFIG_PATH family
// of variables pointing into the mount's fixed top-level directories.
func childSearchPathEnv(mountpoint string) []string {
	join := func(rel string) string { return filepath.Join(mountpoint, rel) }
	return []string{
		"PATH=" + strings.Join([]string{join("bin"), os.Getenv("PATH")}, ":"),
		"C_INCLUDE_PATH=" + join("include"),
		"CPLUS_INCLUDE_PATH=" + join("include"),
		"LIBRARY_PATH=" + join("lib"),
		"PKG_CONFIG_PATH=" + join("lib/pkgconfig"),
		"PERL5LIB=" + join("perl"),
		"ACLOCAL_PATH=" + join("aclocal"),
		"CMAKE_PREFIX_PATH=" + join("cmake"),
	}
}

// interruptibleContext returns a context cancelled on SIGINT, separate
// from internal/oninterrupt's hard-exit handler, so runChild can stop the
// child process on signal before the handler force-exits.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx, cancel
}
