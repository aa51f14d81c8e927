//go:build !linux

package pathsecure

import (
	"os"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// RootHandle is the non-Linux stand-in: every operation reports
// unsupported-platform, since in-root resolution relies on Linux-only
// openat2/RESOLVE_IN_ROOT semantics.
type RootHandle struct{}

func unsupported(op string) error {
	return cerrors.New(cerrors.ErrKernel, op, "unsupported platform: pathsecure requires linux")
}

func OpenRoot(path string) (*RootHandle, error) { return nil, unsupported("open_root") }

func FromFD(fd int, path string) *RootHandle { return &RootHandle{} }

func (r *RootHandle) FD() int { return -1 }

func (r *RootHandle) Close() error { return unsupported("close") }

func (r *RootHandle) OpenInRoot(relpath string, flags int, mode uint32) (*os.File, error) {
	return nil, unsupported("open_in_root")
}

func (r *RootHandle) SecureResolve(relpath string, leafIsFile bool) (int, error) {
	return -1, unsupported("secure_resolve")
}

func (r *RootHandle) MkdirSecure(relpath string, makeIntermediates bool, body func(dirFD int) error) error {
	return unsupported("mkdir_secure")
}

func (r *RootHandle) UnlinkRecursiveSecure(name string) error {
	return unsupported("unlink_recursive_secure")
}
