//go:build linux

package pathsecure

import (
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin/pathrs-lite"
	"golang.org/x/sys/unix"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// RootHandle is an open directory descriptor that anchors every secure
// path operation performed against it (spec.md §4.3).
type RootHandle struct {
	fd   int
	path string // original root path, used for the securejoin-backed OpenInRoot
}

// OpenRoot opens path as a root directory descriptor.
func OpenRoot(path string) (*RootHandle, error) {
	fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrKernel, "open_root")
	}
	return &RootHandle{fd: fd, path: path}, nil
}

// FromFD adopts an already-open directory descriptor as a root. path, if
// known, enables the securejoin-backed OpenInRoot; otherwise OpenInRoot
// falls back to the raw openat2 path.
func FromFD(fd int, path string) *RootHandle {
	return &RootHandle{fd: fd, path: path}
}

// FD returns the underlying descriptor.
func (r *RootHandle) FD() int { return r.fd }

// Close closes the root descriptor.
func (r *RootHandle) Close() error {
	return unix.Close(r.fd)
}

// OpenInRoot resolves relpath using the kernel's in-root resolution
// facility: symlink traversal is confined to the subtree under the root
// descriptor, and any attempt to leave it resolves as if the component
// did not exist (spec.md §4.3). When the root's path is known, resolution
// goes through filepath-securejoin's pathrs-lite implementation (an
// O_PATH handle, upgraded to the requested flags via /proc/self/fd);
// otherwise it falls back to a raw openat2(RESOLVE_IN_ROOT) call.
func (r *RootHandle) OpenInRoot(relpath string, flags int, mode uint32) (*os.File, error) {
	if r.path != "" {
		handle, err := securejoin.OpenInRoot(r.path, relpath)
		if err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrKernel, "open_in_root", relpath)
		}
		defer handle.Close()
		f, err := securejoin.Reopen(handle, flags)
		if err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrKernel, "open_in_root: reopen", relpath)
		}
		return f, nil
	}

	fd, err := unix.Openat2(r.fd, relpath, &unix.OpenHow{
		Flags:   uint64(flags) | unix.O_CLOEXEC,
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_IN_ROOT,
	})
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrKernel, "open_in_root", relpath)
	}
	return os.NewFile(uintptr(fd), relpath), nil
}

func (r *RootHandle) openInRootFD(relpath string, flags int, mode uint32) (int, error) {
	fd, err := unix.Openat2(r.fd, relpath, &unix.OpenHow{
		Flags:   uint64(flags) | unix.O_CLOEXEC,
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_IN_ROOT,
	})
	if err != nil {
		return -1, cerrors.WrapWithDetail(err, cerrors.ErrKernel, "open_in_root", relpath)
	}
	return fd, nil
}

// SecureResolve splits relpath into components and descends using
// in-root opens while each component exists; for the remainder it
// creates intermediate directories via mkdirat, and for the final
// component creates either a regular file (mknodat, S_IFREG|0644) when
// leafIsFile, else a directory. On any failure every descriptor opened
// along the walk is closed; only the returned descriptor survives
// (spec.md §4.3).
func (r *RootHandle) SecureResolve(relpath string, leafIsFile bool) (fd int, err error) {
	components, err := normalizeRelative(relpath)
	if err != nil {
		return -1, err
	}
	if len(components) == 0 {
		return -1, cerrors.New(cerrors.ErrSecurity, "secure_resolve", "empty relative path")
	}

	opened := []int{}
	defer func() {
		for _, d := range opened {
			if err == nil && d == fd {
				continue
			}
			unix.Close(d)
		}
	}()

	cur := r.fd
	for i, name := range components {
		last := i == len(components)-1

		childFD, oerr := unix.Openat2(cur, name, &unix.OpenHow{
			Flags:   unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
			Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_SYMLINKS,
		})
		if oerr == nil {
			if last && leafIsFile {
				unix.Close(childFD)
				return -1, cerrors.New(cerrors.ErrSecurity, "secure_resolve", "leaf exists and is a directory, file expected")
			}
			opened = append(opened, childFD)
			cur = childFD
			continue
		}

		if !last {
			if merr := unix.Mkdirat(cur, name, 0755); merr != nil && merr != unix.EEXIST {
				return -1, cerrors.WrapWithDetail(merr, cerrors.ErrKernel, "secure_resolve", "mkdirat "+name)
			}
			childFD, oerr = unix.Openat2(cur, name, &unix.OpenHow{
				Flags:   unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
				Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_SYMLINKS,
			})
			if oerr != nil {
				return -1, cerrors.WrapWithDetail(oerr, cerrors.ErrKernel, "secure_resolve", "reopen "+name)
			}
			opened = append(opened, childFD)
			cur = childFD
			continue
		}

		// Last component: create the leaf.
		if leafIsFile {
			if merr := unix.Mknodat(cur, name, unix.S_IFREG|0644, 0); merr != nil && merr != unix.EEXIST {
				return -1, cerrors.WrapWithDetail(merr, cerrors.ErrKernel, "secure_resolve", "mknodat "+name)
			}
			leafFD, lerr := unix.Openat2(cur, name, &unix.OpenHow{
				Flags:   unix.O_RDWR | unix.O_NOFOLLOW | unix.O_CLOEXEC,
				Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_SYMLINKS,
			})
			if lerr != nil {
				return -1, cerrors.WrapWithDetail(lerr, cerrors.ErrKernel, "secure_resolve", "open leaf "+name)
			}
			opened = append(opened, leafFD)
			return leafFD, nil
		}
		if merr := unix.Mkdirat(cur, name, 0755); merr != nil && merr != unix.EEXIST {
			return -1, cerrors.WrapWithDetail(merr, cerrors.ErrKernel, "secure_resolve", "mkdirat "+name)
		}
		leafFD, lerr := unix.Openat2(cur, name, &unix.OpenHow{
			Flags:   unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
			Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_SYMLINKS,
		})
		if lerr != nil {
			return -1, cerrors.WrapWithDetail(lerr, cerrors.ErrKernel, "secure_resolve", "open leaf dir "+name)
		}
		opened = append(opened, leafFD)
		return leafFD, nil
	}

	// Unreachable: the loop always returns on its last iteration.
	return -1, cerrors.New(cerrors.ErrInternal, "secure_resolve", "unreachable")
}

// MkdirSecure refuses relpath if it lexically escapes root, refuses
// missing intermediates when makeIntermediates is false, and otherwise
// invokes body with an open descriptor of the leaf directory (spec.md
// §4.3).
func (r *RootHandle) MkdirSecure(relpath string, makeIntermediates bool, body func(dirFD int) error) error {
	components, err := normalizeRelative(relpath)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		return cerrors.New(cerrors.ErrSecurity, "mkdir_secure", "empty relative path")
	}

	if !makeIntermediates && len(components) > 1 {
		parent := strings.Join(components[:len(components)-1], "/")
		pfd, err := r.openInRootFD(parent, unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		if err != nil {
			return cerrors.WrapWithDetail(cerrors.ErrMissingIntermediates, cerrors.ErrSecurity, "mkdir_secure", parent)
		}
		unix.Close(pfd)
	}

	dirFD, err := r.SecureResolve(relpath, false)
	if err != nil {
		return err
	}
	defer unix.Close(dirFD)
	return body(dirFD)
}

// UnlinkRecursiveSecure refuses "." and ".."; for a directory it opens
// it with O_DIRECTORY|O_NOFOLLOW, recursively removes every child, then
// removes the directory entry itself; for anything else it unlinks
// without following symlinks (spec.md §4.3).
func (r *RootHandle) UnlinkRecursiveSecure(name string) error {
	if name == "." || name == ".." {
		return cerrors.New(cerrors.ErrSecurity, "unlink_recursive_secure", "refused: . or ..")
	}
	return r.unlinkRecursive(r.fd, name)
}

func (r *RootHandle) unlinkRecursive(parentFD int, name string) error {
	fd, err := unix.Openat2(parentFD, name, &unix.OpenHow{
		Flags:   unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err != nil {
		if err == unix.ENOTDIR || err == unix.ELOOP {
			if uerr := unix.Unlinkat(parentFD, name, 0); uerr != nil {
				return cerrors.WrapWithDetail(uerr, cerrors.ErrKernel, "unlink_recursive_secure", name)
			}
			return nil
		}
		return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "unlink_recursive_secure", "open "+name)
	}

	f := os.NewFile(uintptr(fd), name)
	children, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "unlink_recursive_secure", "readdir "+name)
	}

	childParentFD, err := unix.Openat2(parentFD, name, &unix.OpenHow{
		Flags:   unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "unlink_recursive_secure", "reopen "+name)
	}
	defer unix.Close(childParentFD)

	for _, child := range children {
		if err := r.unlinkRecursive(childParentFD, child); err != nil {
			return err
		}
	}

	if err := unix.Unlinkat(parentFD, name, unix.AT_REMOVEDIR); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "unlink_recursive_secure", fmt.Sprintf("rmdir %s", name))
	}
	return nil
}
