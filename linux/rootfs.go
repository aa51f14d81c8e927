// Package linux provides rootfs and mount handling.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/tetrate-labs/containervm-toolkit/mountengine"
	"github.com/tetrate-labs/containervm-toolkit/ocispec"
	"github.com/tetrate-labs/containervm-toolkit/pathsecure"
)

// SetupRootfs sets up the container's root filesystem: it makes the
// mount tree private, turns rootfs into a mount point, performs every
// mount listed in the bundle spec confined to rootfs via PathSecure
// and MountEngine, pivots into it, then applies the readonly,
// propagation, masked-path and readonly-path settings from the spec.
func SetupRootfs(s *ocispec.Spec, bundlePath string) error {
	if s.Root == nil {
		return fmt.Errorf("no root filesystem specified")
	}

	rootfs := s.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(bundlePath, rootfs)
	}
	rootfs, err := filepath.Abs(rootfs)
	if err != nil {
		return fmt.Errorf("abs path: %w", err)
	}

	if err := mountengine.Mount(nil, mountengine.Descriptor{Target: "/", Options: []string{"rprivate"}}); err != nil {
		// Non-fatal, might work anyway
		fmt.Printf("[rootfs] warning: make private: %v\n", err)
	}

	if err := mountengine.Mount(nil, mountengine.Descriptor{Source: rootfs, Target: rootfs, Options: []string{"rbind"}}); err != nil {
		return fmt.Errorf("bind mount rootfs: %w", err)
	}

	root, err := pathsecure.OpenRoot(rootfs)
	if err != nil {
		return fmt.Errorf("open rootfs: %w", err)
	}
	defer root.Close()

	if err := setupMounts(root, s.Mounts); err != nil {
		return fmt.Errorf("setup mounts: %w", err)
	}

	if err := pivotRoot(rootfs); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	if s.Root.Readonly {
		if err := mountengine.Mount(nil, mountengine.Descriptor{Target: "/", Options: []string{"remount", "bind", "ro"}}); err != nil {
			return fmt.Errorf("remount readonly: %w", err)
		}
	}

	if s.Linux != nil && s.Linux.RootfsPropagation != "" {
		if err := mountengine.Mount(nil, mountengine.Descriptor{Target: "/", Options: []string{s.Linux.RootfsPropagation}}); err != nil {
			fmt.Printf("[rootfs] warning: propagation: %v\n", err)
		}
	}

	if s.Linux != nil {
		for _, path := range s.Linux.MaskedPaths {
			if err := maskPath(path); err != nil {
				fmt.Printf("[rootfs] warning: mask %s: %v\n", path, err)
			}
		}
		for _, path := range s.Linux.ReadonlyPaths {
			if err := readonlyPath(path); err != nil {
				fmt.Printf("[rootfs] warning: readonly %s: %v\n", path, err)
			}
		}
	}

	return nil
}

// pivotRoot performs pivot_root to change the root filesystem.
func pivotRoot(rootfs string) error {
	oldRoot := filepath.Join(rootfs, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir old_root: %w", err)
	}

	if err := syscall.PivotRoot(rootfs, oldRoot); err != nil {
		return chrootFallback(rootfs)
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	oldRoot = "/.old_root"
	if err := syscall.Unmount(oldRoot, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}

	os.RemoveAll(oldRoot)

	return nil
}

// chrootFallback uses chroot when pivot_root fails (e.g., rootless).
func chrootFallback(rootfs string) error {
	if err := syscall.Chroot(rootfs); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

// setupMounts performs every mount listed in the bundle spec, each
// confined to root via PathSecure's in-root resolution (spec.md §4.4,
// "Target resolution").
func setupMounts(root *pathsecure.RootHandle, mounts []ocispec.Mount) error {
	for _, m := range mounts {
		d := mountengine.Descriptor{
			Type:    m.Type,
			Source:  m.Source,
			Target:  m.Destination,
			Options: m.Options,
		}
		if err := mountengine.Mount(root, d); err != nil {
			fmt.Printf("[rootfs] warning: mount %s (%s): %v\n", m.Destination, m.Type, err)
		}
	}
	return nil
}

// maskPath masks a path by bind-mounting /dev/null (files) or an empty
// tmpfs (directories) over it. Runs post-pivot, so the path is
// resolved directly within the container's own mount namespace.
func maskPath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return nil // Best effort
	}

	if fi.IsDir() {
		return mountengine.Mount(nil, mountengine.Descriptor{
			Type: "tmpfs", Source: "tmpfs", Target: path, Options: []string{"ro", "size=0"},
		})
	}

	return mountengine.Mount(nil, mountengine.Descriptor{Source: "/dev/null", Target: path, Options: []string{"bind"}})
}

// readonlyPath makes a path read-only by bind-remounting it.
func readonlyPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return mountengine.Mount(nil, mountengine.Descriptor{
		Source: path, Target: path, Options: []string{"rbind", "remount", "ro"},
	})
}

// MountProc mounts procfs at /proc.
func MountProc() error {
	if err := os.MkdirAll("/proc", 0755); err != nil {
		return err
	}
	return mountengine.Mount(nil, mountengine.Descriptor{
		Type: "proc", Source: "proc", Target: "/proc", Options: []string{"nosuid", "noexec", "nodev"},
	})
}

// CreateDevices creates device nodes specified in the config.
func CreateDevices(devices []ocispec.LinuxDevice) error {
	for _, dev := range devices {
		if err := createDevice(dev); err != nil {
			return fmt.Errorf("create device %s: %w", dev.Path, err)
		}
	}
	return nil
}

// createDevice creates a single device node. Runs post-pivot within
// the container's own isolated mount namespace, so a plain mknod
// against the absolute device path carries no path-escape risk.
func createDevice(dev ocispec.LinuxDevice) error {
	dir := filepath.Dir(dev.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var devType uint32
	switch dev.Type {
	case "c", "u":
		devType = syscall.S_IFCHR
	case "b":
		devType = syscall.S_IFBLK
	case "p":
		devType = syscall.S_IFIFO
	default:
		return fmt.Errorf("unknown device type: %s", dev.Type)
	}

	mode := devType
	if dev.FileMode != nil {
		mode |= uint32(*dev.FileMode)
	} else {
		mode |= 0666
	}

	devNum := int((dev.Major << 8) | dev.Minor)

	if err := syscall.Mknod(dev.Path, mode, devNum); err != nil {
		if !os.IsExist(err) {
			return err
		}
	}

	uid := 0
	gid := 0
	if dev.UID != nil {
		uid = int(*dev.UID)
	}
	if dev.GID != nil {
		gid = int(*dev.GID)
	}
	return os.Chown(dev.Path, uid, gid)
}

// SetupDefaultDevices creates the standard container device nodes.
func SetupDefaultDevices() error {
	devices := []ocispec.LinuxDevice{
		{Path: "/dev/null", Type: "c", Major: 1, Minor: 3},
		{Path: "/dev/zero", Type: "c", Major: 1, Minor: 5},
		{Path: "/dev/full", Type: "c", Major: 1, Minor: 7},
		{Path: "/dev/random", Type: "c", Major: 1, Minor: 8},
		{Path: "/dev/urandom", Type: "c", Major: 1, Minor: 9},
		{Path: "/dev/tty", Type: "c", Major: 5, Minor: 0},
	}

	mode := os.FileMode(0666)
	for i := range devices {
		devices[i].FileMode = &mode
	}

	return CreateDevices(devices)
}

// SetupDevSymlinks creates standard /dev symlinks.
func SetupDevSymlinks() error {
	symlinks := map[string]string{
		"/dev/fd":     "/proc/self/fd",
		"/dev/stdin":  "/proc/self/fd/0",
		"/dev/stdout": "/proc/self/fd/1",
		"/dev/stderr": "/proc/self/fd/2",
	}

	for link, target := range symlinks {
		os.Remove(link) // Remove if exists
		if err := os.Symlink(target, link); err != nil {
			fmt.Printf("[dev] warning: symlink %s: %v\n", link, err)
		}
	}

	return nil
}

// SecureJoin joins an untrusted relative path onto base, rejecting any
// path whose ".." components try to climb above base (spec.md §4.3's
// path-normalization rule, reused here for the non-PathSecure device
// helpers that only need a joined string rather than a resolved fd).
func SecureJoin(base, unsafePath string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("empty base path")
	}
	if err := pathsecure.ValidateRelative(unsafePath); err != nil {
		return "", fmt.Errorf("unsafe path %q: %w", unsafePath, err)
	}
	return filepath.Join(base, unsafePath), nil
}

// SetupDevPts mounts devpts at /dev/pts.
func SetupDevPts() error {
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return err
	}
	return mountengine.Mount(nil, mountengine.Descriptor{
		Type: "devpts", Source: "devpts", Target: "/dev/pts",
		Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
	})
}
