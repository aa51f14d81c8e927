// Package ocispec wraps the OCI Runtime Specification types used to
// describe a container's process, root filesystem, mounts and Linux
// configuration (spec.md §3, "OCI runtime spec"). It supersedes the
// toolkit's earlier hand-rolled config.json structs with the upstream
// github.com/opencontainers/runtime-spec definitions, keeping the
// teacher's bundle load/save and default-spec conveniences on top.
package ocispec

import (
	"encoding/json"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Spec is the base configuration for the container (config.json).
type Spec = specs.Spec

// Process configures the container process.
type Process = specs.Process

// Root configures the container's root filesystem.
type Root = specs.Root

// Mount describes one additional mount on top of Root.
type Mount = specs.Mount

// Hooks configures callbacks for container lifecycle events.
type Hooks = specs.Hooks

// Hook is a single lifecycle hook invocation.
type Hook = specs.Hook

// Linux is the platform-specific configuration for Linux containers.
type Linux = specs.Linux

// LinuxNamespace is one namespace to create or join.
type LinuxNamespace = specs.LinuxNamespace

// LinuxNamespaceType names a kind of Linux namespace.
type LinuxNamespaceType = specs.LinuxNamespaceType

// LinuxDevice is a device node to create inside the container.
type LinuxDevice = specs.LinuxDevice

// LinuxCapabilities names the five capability sets carried in a spec.
type LinuxCapabilities = specs.LinuxCapabilities

// LinuxResources holds cgroup resource constraints.
type LinuxResources = specs.LinuxResources

// LinuxDeviceCgroup is one device-cgroup allow/deny rule.
type LinuxDeviceCgroup = specs.LinuxDeviceCgroup

// LinuxSeccomp is the seccomp filter configuration.
type LinuxSeccomp = specs.LinuxSeccomp

// LinuxIDMapping is a uid/gid mapping range for a user namespace.
type LinuxIDMapping = specs.LinuxIDMapping

// POSIXRlimit is an rlimit setting applied to the container process.
type POSIXRlimit = specs.POSIXRlimit

// Box specifies the console's dimensions.
type Box = specs.Box

// User identifies the uid/gid the container process runs as.
type User = specs.User

// Namespace type constants, re-exported for callers that don't want
// to import runtime-spec directly.
const (
	PIDNamespace     = specs.PIDNamespace
	NetworkNamespace = specs.NetworkNamespace
	MountNamespace   = specs.MountNamespace
	IPCNamespace     = specs.IPCNamespace
	UTSNamespace     = specs.UTSNamespace
	UserNamespace    = specs.UserNamespace
	CgroupNamespace  = specs.CgroupNamespace
	TimeNamespace    = specs.TimeNamespace
)

// Version is the OCI Runtime Specification version this toolkit
// writes into new bundles.
const Version = specs.Version

// Load reads and parses a config.json bundle spec from path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrState, "load_spec", path)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrParse, "load_spec", path)
	}
	return &s, nil
}

// Save writes a config.json bundle spec to path.
func Save(s *Spec, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrParse, "save_spec")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "save_spec", path)
	}
	return nil
}

func intPtr(i int64) *int64 { return &i }

// defaultCapabilitySet is the capability set granted to an
// unprivileged container by default.
func defaultCapabilitySet() []string {
	return []string{
		"CAP_CHOWN",
		"CAP_DAC_OVERRIDE",
		"CAP_FSETID",
		"CAP_FOWNER",
		"CAP_MKNOD",
		"CAP_NET_RAW",
		"CAP_SETGID",
		"CAP_SETUID",
		"CAP_SETFCAP",
		"CAP_SETPCAP",
		"CAP_NET_BIND_SERVICE",
		"CAP_SYS_CHROOT",
		"CAP_KILL",
		"CAP_AUDIT_WRITE",
	}
}

// Default returns a minimal runtime spec suitable for a guest
// container launched by this toolkit: a read-write rootfs, the
// standard pseudo-filesystem mounts, a default capability set and the
// namespace set needed for process/network/mount/IPC/UTS isolation.
func Default() *Spec {
	caps := defaultCapabilitySet()
	return &Spec{
		Version: Version,
		Root: &Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Process: &Process{
			Terminal: true,
			User:     User{UID: 0, GID: 0},
			Args:     []string{"/bin/sh"},
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"TERM=xterm",
			},
			Cwd:             "/",
			NoNewPrivileges: true,
			Capabilities: &LinuxCapabilities{
				Bounding:    caps,
				Effective:   caps,
				Permitted:   caps,
			},
			Rlimits: []POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
		},
		Hostname: "container",
		Mounts: []Mount{
			{Destination: "/proc", Type: "proc", Source: "proc", Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup", Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
		},
		Linux: &Linux{
			Resources: &LinuxResources{
				Devices: []LinuxDeviceCgroup{
					{Allow: false, Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(1), Minor: intPtr(3), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(1), Minor: intPtr(5), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(1), Minor: intPtr(7), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(1), Minor: intPtr(8), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(1), Minor: intPtr(9), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(5), Minor: intPtr(0), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(5), Minor: intPtr(1), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(5), Minor: intPtr(2), Access: "rwm"},
					{Allow: true, Type: "c", Major: intPtr(136), Access: "rwm"},
				},
			},
			Namespaces: []LinuxNamespace{
				{Type: PIDNamespace},
				{Type: NetworkNamespace},
				{Type: IPCNamespace},
				{Type: UTSNamespace},
				{Type: MountNamespace},
			},
			MaskedPaths: []string{
				"/proc/acpi", "/proc/asound", "/proc/kcore", "/proc/keys",
				"/proc/latency_stats", "/proc/timer_list", "/proc/timer_stats",
				"/proc/sched_debug", "/proc/scsi", "/sys/firmware",
			},
			ReadonlyPaths: []string{
				"/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
			},
		},
	}
}

// atomicWriteJSON marshals v and writes it to path via a temp file in
// the same directory followed by an atomic rename, matching the
// bundle-state persistence the toolkit uses elsewhere.
func atomicWriteJSON(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrParse, "atomic_write_json")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ocispec-*.tmp")
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "atomic_write_json", path)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrState, "atomic_write_json: write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrState, "atomic_write_json: sync")
	}
	if err := tmp.Close(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrState, "atomic_write_json: close")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return cerrors.Wrap(err, cerrors.ErrState, "atomic_write_json: chmod")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "atomic_write_json: rename", path)
	}
	success = true
	return nil
}
