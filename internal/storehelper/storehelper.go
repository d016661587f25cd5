// Package storehelper wraps the two out-of-process collaborators named in
// spec §6: a realize helper that materializes a store path on disk, and a
// closure-size helper whose contract is preserved for future rankers even
// though nothing consumes its output yet.
package storehelper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"golang.org/x/xerrors"
)

// InvalidPath is returned when the helper exits non-zero, i.e. rejects the
// store path as invalid. Callers decide fatality themselves: at lookup
// time it is fatal (spec §7), at readlink time it demotes to ENOENT.
type InvalidPath struct {
	Path   string
	Stderr string
}

func (e *InvalidPath) Error() string {
	return fmt.Sprintf("store helper rejected %s: %s", e.Path, e.Stderr)
}

// Helper drives the two external commands. Binary is resolved via exec.Command's
// normal PATH lookup, matching the out-of-process invocation style used for
// the teacher's own store-maintenance commands.
type Helper struct {
	RealizeBin     string
	ClosureSizeBin string
}

// New returns a Helper that runs the given realize and closure-size
// binaries.
func New(realizeBin, closureSizeBin string) *Helper {
	return &Helper{RealizeBin: realizeBin, ClosureSizeBin: closureSizeBin}
}

// Realize ensures path is present on disk, fetching or building it if
// needed. A non-zero exit is reported as *InvalidPath.
func (h *Helper) Realize(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, h.RealizeBin, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &InvalidPath{Path: path, Stderr: stderr.String()}
		}
		return xerrors.Errorf("realize %s: %w", path, err)
	}
	return nil
}

// ClosureSizeResult mirrors the helper's JSON reply.
type ClosureSizeResult struct {
	ClosureSize *int64 `json:"closureSize"`
}

// ClosureSize queries the closure-size helper. Its result is currently
// unused in ranking; the contract is preserved for future rankers per
// spec §6.
func (h *Helper) ClosureSize(ctx context.Context, path string) (ClosureSizeResult, error) {
	cmd := exec.CommandContext(ctx, h.ClosureSizeBin, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ClosureSizeResult{}, xerrors.Errorf("closure size %s: %s: %w", path, stderr.String(), err)
	}
	var res ClosureSizeResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return ClosureSizeResult{}, xerrors.Errorf("closure size %s: parsing reply: %w", path, err)
	}
	return res, nil
}
