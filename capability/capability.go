//go:build linux

// Package capability represents and applies Linux capability sets using
// the five-mask model the kernel itself exposes: effective, permitted,
// inheritable, bounding, and ambient (spec.md §4.5).
package capability

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)


// Kind selects which group of masks an operation applies to.
type Kind int

const (
	CAPS Kind = iota
	BOUNDS
	AMBS
)

// Named capability bit positions (linux/capability.h), 0…40 as listed,
// extensible as the kernel adds more.
const (
	CAP_CHOWN              = 0
	CAP_DAC_OVERRIDE       = 1
	CAP_DAC_READ_SEARCH    = 2
	CAP_FOWNER             = 3
	CAP_FSETID             = 4
	CAP_KILL               = 5
	CAP_SETGID             = 6
	CAP_SETUID             = 7
	CAP_SETPCAP            = 8
	CAP_LINUX_IMMUTABLE    = 9
	CAP_NET_BIND_SERVICE   = 10
	CAP_NET_BROADCAST      = 11
	CAP_NET_ADMIN          = 12
	CAP_NET_RAW            = 13
	CAP_IPC_LOCK           = 14
	CAP_IPC_OWNER          = 15
	CAP_SYS_MODULE         = 16
	CAP_SYS_RAWIO          = 17
	CAP_SYS_CHROOT         = 18
	CAP_SYS_PTRACE         = 19
	CAP_SYS_PACCT          = 20
	CAP_SYS_ADMIN          = 21
	CAP_SYS_BOOT           = 22
	CAP_SYS_NICE           = 23
	CAP_SYS_RESOURCE       = 24
	CAP_SYS_TIME           = 25
	CAP_SYS_TTY_CONFIG     = 26
	CAP_MKNOD              = 27
	CAP_LEASE              = 28
	CAP_AUDIT_WRITE        = 29
	CAP_AUDIT_CONTROL      = 30
	CAP_SETFCAP            = 31
	CAP_MAC_OVERRIDE       = 32
	CAP_MAC_ADMIN          = 33
	CAP_SYSLOG             = 34
	CAP_WAKE_ALARM         = 35
	CAP_BLOCK_SUSPEND      = 36
	CAP_AUDIT_READ         = 37
	CAP_PERFMON            = 38
	CAP_BPF                = 39
	CAP_CHECKPOINT_RESTORE = 40
)

var nameToBit = map[string]int{
	"CAP_CHOWN": CAP_CHOWN, "CAP_DAC_OVERRIDE": CAP_DAC_OVERRIDE,
	"CAP_DAC_READ_SEARCH": CAP_DAC_READ_SEARCH, "CAP_FOWNER": CAP_FOWNER,
	"CAP_FSETID": CAP_FSETID, "CAP_KILL": CAP_KILL, "CAP_SETGID": CAP_SETGID,
	"CAP_SETUID": CAP_SETUID, "CAP_SETPCAP": CAP_SETPCAP,
	"CAP_LINUX_IMMUTABLE": CAP_LINUX_IMMUTABLE, "CAP_NET_BIND_SERVICE": CAP_NET_BIND_SERVICE,
	"CAP_NET_BROADCAST": CAP_NET_BROADCAST, "CAP_NET_ADMIN": CAP_NET_ADMIN,
	"CAP_NET_RAW": CAP_NET_RAW, "CAP_IPC_LOCK": CAP_IPC_LOCK, "CAP_IPC_OWNER": CAP_IPC_OWNER,
	"CAP_SYS_MODULE": CAP_SYS_MODULE, "CAP_SYS_RAWIO": CAP_SYS_RAWIO,
	"CAP_SYS_CHROOT": CAP_SYS_CHROOT, "CAP_SYS_PTRACE": CAP_SYS_PTRACE,
	"CAP_SYS_PACCT": CAP_SYS_PACCT, "CAP_SYS_ADMIN": CAP_SYS_ADMIN,
	"CAP_SYS_BOOT": CAP_SYS_BOOT, "CAP_SYS_NICE": CAP_SYS_NICE,
	"CAP_SYS_RESOURCE": CAP_SYS_RESOURCE, "CAP_SYS_TIME": CAP_SYS_TIME,
	"CAP_SYS_TTY_CONFIG": CAP_SYS_TTY_CONFIG, "CAP_MKNOD": CAP_MKNOD,
	"CAP_LEASE": CAP_LEASE, "CAP_AUDIT_WRITE": CAP_AUDIT_WRITE,
	"CAP_AUDIT_CONTROL": CAP_AUDIT_CONTROL, "CAP_SETFCAP": CAP_SETFCAP,
	"CAP_MAC_OVERRIDE": CAP_MAC_OVERRIDE, "CAP_MAC_ADMIN": CAP_MAC_ADMIN,
	"CAP_SYSLOG": CAP_SYSLOG, "CAP_WAKE_ALARM": CAP_WAKE_ALARM,
	"CAP_BLOCK_SUSPEND": CAP_BLOCK_SUSPEND, "CAP_AUDIT_READ": CAP_AUDIT_READ,
	"CAP_PERFMON": CAP_PERFMON, "CAP_BPF": CAP_BPF,
	"CAP_CHECKPOINT_RESTORE": CAP_CHECKPOINT_RESTORE,
}

// ByName returns the bit position for a capability name (case-insensitive).
func ByName(name string) (int, bool) {
	bit, ok := nameToBit[strings.ToUpper(name)]
	return bit, ok
}

var (
	lastCapOnce  sync.Once
	lastCapValue = CAP_CHECKPOINT_RESTORE
)

// LastCap returns the highest capability bit the running kernel
// recognizes, read from /proc/sys/kernel/cap_last_cap (spec.md §4.5).
func LastCap() int {
	lastCapOnce.Do(func() {
		data, err := os.ReadFile("/proc/sys/kernel/cap_last_cap")
		if err != nil {
			return
		}
		if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && v >= 0 {
			lastCapValue = v
		}
	})
	return lastCapValue
}

// mask is a 64-bit capability bitset; only bits ≤ LastCap() are
// meaningful.
type mask uint64

func (m mask) has(bit int) bool { return m&(1<<uint(bit)) != 0 }
func (m *mask) set(bit int)     { *m |= 1 << uint(bit) }
func (m *mask) unset(bit int)   { *m &^= 1 << uint(bit) }

func (m *mask) fillUpTo(n int) {
	for b := 0; b <= n; b++ {
		m.set(b)
	}
}

// Capabilities holds the five mask sets the kernel exposes.
type Capabilities struct {
	Effective   mask
	Permitted   mask
	Inheritable mask
	Bounding    mask
	Ambient     mask
}

const capabilityVersion3 = 0x20080522

type capHeader struct {
	Version uint32
	Pid     int32
}

type capData struct {
	Effective   uint32
	Permitted   uint32
	Inheritable uint32
}

// Load invokes capget with the kernel-approved header and fills
// effective/permitted/inheritable from the packed representation's low
// 32 bits, sufficient for the capabilities enumerated (spec.md §4.5).
func Load() (*Capabilities, error) {
	header := capHeader{Version: capabilityVersion3}
	var data [2]capData
	if _, _, errno := unix.Syscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&header)), uintptr(unsafe.Pointer(&data[0])), 0); errno != 0 {
		return nil, cerrors.Wrap(errno, cerrors.ErrKernel, "capget")
	}
	c := &Capabilities{}
	c.Effective = mask(data[0].Effective)
	c.Permitted = mask(data[0].Permitted)
	c.Inheritable = mask(data[0].Inheritable)
	return c, nil
}

// Get performs a non-mutating bit test on one of the five sets.
func (c *Capabilities) Get(which *mask, name string) (bool, error) {
	bit, ok := ByName(name)
	if !ok {
		return false, cerrors.New(cerrors.ErrParse, "get", "unknown capability: "+name)
	}
	return which.has(bit), nil
}

// Set raises the named capabilities in which.
func (c *Capabilities) Set(which *mask, names []string) error {
	for _, name := range names {
		bit, ok := ByName(name)
		if !ok {
			return cerrors.New(cerrors.ErrParse, "set", "unknown capability: "+name)
		}
		which.set(bit)
	}
	return nil
}

// Unset clears the named capabilities in which.
func (c *Capabilities) Unset(which *mask, names []string) error {
	for _, name := range names {
		bit, ok := ByName(name)
		if !ok {
			return cerrors.New(cerrors.ErrParse, "unset", "unknown capability: "+name)
		}
		which.unset(bit)
	}
	return nil
}

// Fill sets every capability up to LastCap() for the given kind. CAPS
// fills effective and permitted, and clears inheritable (spec.md §4.5).
func (c *Capabilities) Fill(kind Kind) {
	n := LastCap()
	switch kind {
	case CAPS:
		c.Effective.fillUpTo(n)
		c.Permitted.fillUpTo(n)
		c.Inheritable = 0
	case BOUNDS:
		c.Bounding.fillUpTo(n)
	case AMBS:
		c.Ambient.fillUpTo(n)
	}
}

// Clear zeroes the masks for the given kind.
func (c *Capabilities) Clear(kind Kind) {
	switch kind {
	case CAPS:
		c.Effective, c.Permitted, c.Inheritable = 0, 0, 0
	case BOUNDS:
		c.Bounding = 0
	case AMBS:
		c.Ambient = 0
	}
}

const (
	prCapbsetRead     = 23
	prCapbsetDrop     = 24
	prCapAmbient      = 47
	prCapAmbientClear = 4
	prCapAmbientRaise = 2
)

// Apply commits the in-memory masks of one kind to the kernel: BOUNDS
// drops bounding-set capabilities, CAPS calls capset for
// effective/permitted/inheritable, AMBS sets the ambient set. Each call
// handles a single kind; container/create.go calls it for BOUNDS, CAPS
// and AMBS in that order.
func (c *Capabilities) Apply(kind Kind) error {
	switch kind {
	case BOUNDS:
		return c.applyBounding()
	case CAPS:
		return c.applyCaps()
	case AMBS:
		return c.applyAmbient()
	}
	return cerrors.New(cerrors.ErrInvalidState, "apply", "unknown kind")
}

func (c *Capabilities) applyBounding() error {
	if !c.Effective.has(CAP_SETPCAP) {
		return nil
	}
	last := LastCap()
	for bit := 0; bit <= last; bit++ {
		if c.Bounding.has(bit) {
			continue
		}
		ret, _, _ := unix.Syscall(unix.SYS_PRCTL, prCapbsetRead, uintptr(bit), 0)
		if ret != 1 {
			continue
		}
		if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prCapbsetDrop, uintptr(bit), 0); errno != 0 && errno != unix.EINVAL {
			return cerrors.WrapWithDetail(errno, cerrors.ErrKernel, "apply_bounding", "cap "+strconv.Itoa(bit))
		}
	}
	return nil
}

func (c *Capabilities) applyCaps() error {
	header := capHeader{Version: capabilityVersion3}
	var data [2]capData
	data[0].Effective = uint32(c.Effective)
	data[0].Permitted = uint32(c.Permitted)
	data[0].Inheritable = uint32(c.Inheritable)
	if _, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&header)), uintptr(unsafe.Pointer(&data[0])), 0); errno != 0 {
		return cerrors.Wrap(errno, cerrors.ErrKernel, "capset")
	}
	return nil
}

func (c *Capabilities) applyAmbient() error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prCapAmbient, prCapAmbientClear, 0); errno != 0 && errno != unix.EINVAL {
		return cerrors.Wrap(errno, cerrors.ErrKernel, "ambient clear")
	}
	last := LastCap()
	for bit := 0; bit <= last; bit++ {
		if !c.Ambient.has(bit) {
			continue
		}
		if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prCapAmbient, prCapAmbientRaise, uintptr(bit)); errno != 0 && errno != unix.EINVAL {
			return cerrors.WrapWithDetail(errno, cerrors.ErrKernel, "ambient raise", "cap "+strconv.Itoa(bit))
		}
	}
	return nil
}

// KeepCapsAroundSetuid wraps fn with prctl(SET_KEEPCAPS, 1) before and
// prctl(SET_KEEPCAPS, 0) after, the pairing callers use around a uid
// change that must not drop capabilities (spec.md §4.5).
func KeepCapsAroundSetuid(fn func() error) error {
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return cerrors.Wrap(err, cerrors.ErrKernel, "set_keepcaps(1)")
	}
	fnErr := fn()
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil && fnErr == nil {
		return cerrors.Wrap(err, cerrors.ErrKernel, "set_keepcaps(0)")
	}
	return fnErr
}
