package resolver

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
)

// FatalError wraps any error that would make future kernel replies
// unsound. jacobsa/fuse dispatches each op on its own goroutine, so a
// resolver method can't simply panic and expect the launcher's top-level
// recover to see it; instead abort (see resolver.go) pushes a *FatalError
// onto Resolver.Fatal() for the launcher's supervising goroutine to act
// on, and answers the one in-flight request with EIO, matching spec §7's
// "anything that would make future replies unsound aborts the process
// with a diagnostic" policy without taking down an unrelated request.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// KernelInvariantError signals that the kernel referenced an inode the
// driver never issued.
type KernelInvariantError struct {
	Inode fuseops.InodeID
}

func (e *KernelInvariantError) Error() string {
	return fmt.Sprintf("resolver: unknown parent inode %d", e.Inode)
}

// HomogeneityError signals a candidate list mixing directory and
// file/symlink entries, which the homogeneity invariant forbids — it
// indicates index corruption rather than a normal miss.
type HomogeneityError struct {
	Target string
}

func (e *HomogeneityError) Error() string {
	return fmt.Sprintf("resolver: candidate list for %q mixes directory and file-like entries", e.Target)
}
