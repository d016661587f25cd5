package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// onInterrupt allows the launcher to register cleanup handlers that must
// run on SIGINT even though the mount point and shadow root are temporary
// directories that would otherwise leak, e.g. unmounting the FUSE mount
// and removing the shadow tree's temp directory.
var (
	onInterruptMu sync.Mutex
	onInterrupt   []func()
)

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		signal := <-c
		onInterruptMu.Lock()
		// Run handlers in reverse registration order, mirroring how
		// resources are acquired and should be released: last acquired,
		// first released.
		for i := len(onInterrupt) - 1; i >= 0; i-- {
			onInterrupt[i]()
		}
		onInterruptMu.Unlock()
		if sig, ok := signal.(syscall.Signal); ok {
			os.Exit(128 + int(sig))
		}
		os.Exit(1) // generic EXIT_FAILURE
	}()
}

// Register adds cb to the set of cleanup handlers run on SIGINT.
func Register(cb func()) {
	onInterruptMu.Lock()
	defer onInterruptMu.Unlock()
	onInterrupt = append(onInterrupt, cb)
}
