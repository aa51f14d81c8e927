//go:build linux

package mountengine

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
	"github.com/tetrate-labs/containervm-toolkit/pathsecure"
)

// Descriptor is a single mount to perform: {type, source, target,
// options[]} (spec.md §4.4).
type Descriptor struct {
	Type    string
	Source  string
	Target  string
	Options []string
}

func isBindRequested(d Descriptor, flags uintptr) bool {
	if d.Type == "bind" {
		return true
	}
	for _, o := range d.Options {
		if o == "bind" || o == "rbind" {
			return true
		}
	}
	return flags&BIND != 0
}

// resolveTarget resolves d.Target to a kernel-mountable path. When root
// is non-nil, the target is securely resolved within it and the leaf is
// created on demand; the opened descriptor is translated back to its
// canonical path via /proc/self/fd (spec.md §4.4, "Target resolution").
// When root is nil, the target is used directly and the leaf is created
// with the standard filesystem calls.
func resolveTarget(root *pathsecure.RootHandle, d Descriptor, bind bool) (string, func(), error) {
	leafIsFile := false
	if bind {
		if fi, err := os.Stat(d.Source); err == nil {
			leafIsFile = fi.Mode().IsRegular()
		}
	}

	if root == nil {
		if leafIsFile {
			if err := os.MkdirAll(filepath.Dir(d.Target), 0755); err != nil {
				return "", nil, cerrors.Wrap(err, cerrors.ErrKernel, "resolve_target: mkdir parent")
			}
			f, err := os.OpenFile(d.Target, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return "", nil, cerrors.Wrap(err, cerrors.ErrKernel, "resolve_target: create leaf file")
			}
			f.Close()
		} else {
			if err := os.MkdirAll(d.Target, 0755); err != nil {
				return "", nil, cerrors.Wrap(err, cerrors.ErrKernel, "resolve_target: mkdir leaf")
			}
		}
		return d.Target, func() {}, nil
	}

	fd, err := root.SecureResolve(d.Target, leafIsFile)
	if err != nil {
		return "", nil, err
	}
	path, err := os.Readlink("/proc/self/fd/" + itoa(fd))
	if err != nil {
		unix.Close(fd)
		return "", nil, cerrors.Wrap(err, cerrors.ErrKernel, "resolve_target: readlink proc fd")
	}
	return path, func() { unix.Close(fd) }, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Mount executes the mount sequence against a resolved target (spec.md
// §4.4, "Mount sequence"): the main mount, then a propagation change if
// requested, then a bind-readonly remount if both BIND and RDONLY are
// set. root may be nil to resolve the target directly without in-root
// confinement.
func Mount(root *pathsecure.RootHandle, d Descriptor) error {
	flags, data, err := ParseOptions(d.Options)
	if err != nil {
		return err
	}

	bind := isBindRequested(d, flags)
	path, cleanup, err := resolveTarget(root, d, bind)
	if err != nil {
		return err
	}
	defer cleanup()

	propagation := flags & propagationMask
	mainFlags := flags &^ propagationMask
	if bind {
		mainFlags |= BIND
	}

	if flags&REMOUNT == 0 || data != "" {
		if err := unix.Mount(d.Source, path, d.Type, mainFlags, data); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "mount", path)
		}
	}

	if propagation != 0 {
		if err := unix.Mount("", path, "", flags&(propagationMask|REC|SILENT), ""); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "mount: propagation", path)
		}
	}

	if mainFlags&BIND != 0 && mainFlags&RDONLY != 0 {
		if err := unix.Mount("", path, "", mainFlags|REMOUNT, ""); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrKernel, "mount: bind-readonly remount", path)
		}
	}

	return nil
}
