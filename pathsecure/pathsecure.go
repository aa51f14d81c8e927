// Package pathsecure provides safe-path primitives for building a
// container rootfs: every operation is confined to a subtree rooted at
// an open directory descriptor, so a malicious or unexpected symlink
// inside that subtree can never escape it.
package pathsecure

import (
	"strings"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// normalizeRelative collapses empty components and "./" and rejects any
// path whose ".." components don't fully cancel within the normalized
// result (spec.md §4.3, "Path normalization").
func normalizeRelative(relpath string) ([]string, error) {
	raw := strings.Split(relpath, "/")
	var out []string
	for _, c := range raw {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, cerrors.Wrap(cerrors.ErrInvalidRelativePath, cerrors.ErrSecurity, "normalize_relative")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

// ValidateRelative reports whether relpath is a well-formed in-root
// relative path, without resolving it against any descriptor.
func ValidateRelative(relpath string) error {
	_, err := normalizeRelative(relpath)
	return err
}
