//go:build !linux

package mountengine

import (
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

// ParseOptions is unsupported outside Linux: the mount flag table this
// engine drives has no portable equivalent.
func ParseOptions(options []string) (uintptr, string, error) {
	return 0, "", cerrors.New(cerrors.ErrKernel, "parse_options", "unsupported platform: mountengine requires linux")
}

// Mount is unsupported outside Linux: the mount(2) sequence this engine
// drives has no portable equivalent.
func Mount(root *pathsecure.RootHandle, d Descriptor) error {
	return cerrors.New(cerrors.ErrKernel, "mount", "unsupported platform: mountengine requires linux")
}
