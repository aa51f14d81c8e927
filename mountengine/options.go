//go:build linux

// Package mountengine parses fstab-style mount option strings into a
// flag-mask and data tuple, and invokes the kernel mount primitive in
// the sequence a container rootfs setup requires: the main mount, a
// propagation change, then a bind-readonly remount.
package mountengine

import (
	"strings"

	"golang.org/x/sys/unix"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Propagation and core mount flags, named after their kernel constants
// (spec.md §4.4).
const (
	RDONLY      = unix.MS_RDONLY
	NOSUID      = unix.MS_NOSUID
	NODEV       = unix.MS_NODEV
	NOEXEC      = unix.MS_NOEXEC
	SYNCHRONOUS = unix.MS_SYNCHRONOUS
	REMOUNT     = unix.MS_REMOUNT
	MANDLOCK    = unix.MS_MANDLOCK
	DIRSYNC     = unix.MS_DIRSYNC
	NOATIME     = unix.MS_NOATIME
	NODIRATIME  = unix.MS_NODIRATIME
	BIND        = unix.MS_BIND
	REC         = unix.MS_REC
	SILENT      = unix.MS_SILENT
	RELATIME    = unix.MS_RELATIME
	STRICTATIME = unix.MS_STRICTATIME

	SHARED     = unix.MS_SHARED
	PRIVATE    = unix.MS_PRIVATE
	SLAVE      = unix.MS_SLAVE
	UNBINDABLE = unix.MS_UNBINDABLE

	propagationMask = SHARED | PRIVATE | SLAVE | UNBINDABLE
)

type optionRule struct {
	flag  uintptr
	clear bool
}

// optionTable is the full fstab-style option→flag table (spec.md §4.4),
// generalized from the teacher's smaller table to include mand/nomand,
// dirsync, diratime/nodiratime and the full atime family.
var optionTable = map[string]optionRule{
	"async":         {SYNCHRONOUS, true},
	"atime":         {NOATIME, true},
	"bind":          {BIND, false},
	"dev":           {NODEV, true},
	"diratime":      {NODIRATIME, true},
	"dirsync":       {DIRSYNC, false},
	"exec":          {NOEXEC, true},
	"mand":          {MANDLOCK, false},
	"noatime":       {NOATIME, false},
	"nodev":         {NODEV, false},
	"nodiratime":    {NODIRATIME, false},
	"noexec":        {NOEXEC, false},
	"nomand":        {MANDLOCK, true},
	"norelatime":    {RELATIME, true},
	"nostrictatime": {STRICTATIME, true},
	"nosuid":        {NOSUID, false},
	"rbind":         {BIND | REC, false},
	"relatime":      {RELATIME, false},
	"remount":       {REMOUNT, false},
	"ro":            {RDONLY, false},
	"rw":            {RDONLY, true},
	"strictatime":   {STRICTATIME, false},
	"suid":          {NOSUID, true},
	"sync":          {SYNCHRONOUS, false},
}

// ParseOptions parses fstab-style options into a flag mask and a
// comma-joined data string, rejecting a data string longer than one
// page (spec.md §4.4, "Parse").
func ParseOptions(options []string) (uintptr, string, error) {
	var flags uintptr
	var data []string

	for _, opt := range options {
		if rule, ok := optionTable[opt]; ok && rule.flag != 0 {
			if rule.clear {
				flags &^= rule.flag
			} else {
				flags |= rule.flag
			}
			continue
		}
		data = append(data, opt)
	}

	joined := strings.Join(data, ",")
	if len(joined) > pageSize() {
		return 0, "", cerrors.Wrap(cerrors.ErrMountDataTooLarge, cerrors.ErrBounds, "parse_options")
	}
	return flags, joined, nil
}

func pageSize() int {
	return unix.Getpagesize()
}
