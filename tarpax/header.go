// Package tarpax implements a streaming reader and writer for POSIX ustar
// archives with PAX extended-header fallback, used to ingest and emit
// container image layers.
package tarpax

import (
	"strconv"
	"strings"
	"unicode/utf8"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// blockSize is the fixed ustar block size.
const blockSize = 512

// maxOctalSize is the traditional octal size field cap: 11 octal digits
// (0o77777777777), i.e. 2^33-1.
const maxOctalSize = 0o77777777777

// maxPAXSize bounds the total size of a PAX extended header's content.
const maxPAXSize = 1 << 20 // 1 MiB

// EntryType identifies the kind of a tar entry.
type EntryType byte

// Entry type tags, matching the single-byte ustar type flag.
const (
	TypeRegular    EntryType = '0'
	TypeRegularAlt EntryType = '\x00'
	TypeHardLink   EntryType = '1'
	TypeSymlink    EntryType = '2'
	TypeCharDevice EntryType = '3'
	TypeBlockDevice EntryType = '4'
	TypeDirectory  EntryType = '5'
	TypeFIFO       EntryType = '6'
	TypeContiguous EntryType = '7'
	TypePAXRecord  EntryType = 'x'
	TypePAXGlobal  EntryType = 'g'
)

// Header is a single tar entry's metadata, as specified in spec.md §3.
type Header struct {
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     int64
	ModTime  int64 // seconds since epoch
	Typeflag EntryType
	Linkname string
	Uname    string
	Gname    string
	DevMajor uint32
	DevMinor uint32
}

// Field byte offsets and widths within a 512-byte ustar header block.
const (
	offName     = 0
	lenName     = 100
	offMode     = 100
	lenMode     = 8
	offUID      = 108
	lenUID      = 8
	offGID      = 116
	lenGID      = 8
	offSize     = 124
	lenSize     = 12
	offMtime    = 136
	lenMtime    = 12
	offChksum   = 148
	lenChksum   = 8
	offTypeflag = 156
	lenTypeflag = 1
	offLinkname = 157
	lenLinkname = 100
	offMagic    = 257
	lenMagic    = 6
	offVersion  = 263
	lenVersion  = 2
	offUname    = 265
	lenUname    = 32
	offGname    = 297
	lenGname    = 32
	offDevMajor = 329
	lenDevMajor = 8
	offDevMinor = 337
	lenDevMinor = 8
	offPrefix   = 345
	lenPrefix   = 155
)

const (
	ustarMagic   = "ustar\x00"
	ustarVersion = "00"
	// paxHeaderName is the fixed name used for PAX extended header entries.
	paxHeaderName = "././@PaxHeader"
)

// checksum computes the unsigned-byte sum of a 512-byte block with the
// checksum field (bytes [148,156)) treated as eight ASCII spaces, per
// spec.md §3's invariant.
func checksum(block *[blockSize]byte) int64 {
	var sum int64
	for i, b := range block {
		if i >= offChksum && i < offChksum+lenChksum {
			sum += int64(' ')
		} else {
			sum += int64(b)
		}
	}
	return sum
}

// parseOctalOrBase256 decodes a numeric field. If the first byte has its
// high bit set, the field is the GNU binary extension: a big-endian signed
// integer occupying all bytes of the field, with the high bit of the first
// byte cleared before assembly. Otherwise it is whitespace/NUL-trimmed
// ASCII octal.
func parseOctalOrBase256(field []byte) (int64, error) {
	if len(field) == 0 {
		return 0, nil
	}
	if field[0]&0x80 != 0 {
		var v uint64
		first := field[0] &^ 0x80
		v = uint64(first)
		for _, b := range field[1:] {
			v = v<<8 | uint64(b)
		}
		return int64(v), nil
	}

	s := strings.TrimFunc(string(field), func(r rune) bool {
		return r == ' ' || r == 0 || r == '\t' || r == '\n'
	})
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, cerrors.Wrap(err, cerrors.ErrParse, "parse octal field")
	}
	return v, nil
}

// formatOctal renders a non-negative integer as zero-padded octal filling
// width-1 bytes, followed by a trailing NUL, to fit a field of the given
// width. If the value does not fit, the caller must instead use PAX.
func formatOctal(v int64, width int) ([]byte, bool) {
	s := strconv.FormatInt(v, 8)
	if len(s)+1 > width {
		return nil, false
	}
	out := make([]byte, width)
	for i := range out {
		out[i] = '0'
	}
	copy(out[width-1-len(s):width-1], s)
	out[width-1] = 0
	return out, true
}

// parseString reads up to the first NUL or the end of the field, decoded
// as UTF-8.
func parseString(field []byte) (string, error) {
	n := len(field)
	for i, b := range field {
		if b == 0 {
			n = i
			break
		}
	}
	s := field[:n]
	if !utf8.Valid(s) {
		return "", cerrors.New(cerrors.ErrParse, "parse string", "field is not valid utf-8")
	}
	return string(s), nil
}

// putString writes s into field, truncating if necessary and NUL-padding
// the remainder. Returns false if s does not fit without truncation.
func putString(field []byte, s string) bool {
	for i := range field {
		field[i] = 0
	}
	if len(s) > len(field) {
		copy(field, s[:len(field)])
		return false
	}
	copy(field, s)
	return true
}

// splitPath attempts to split path into a ustar prefix+name pair such that
// prefix <= lenPrefix and name <= lenName, splitting on the rightmost '/'
// that satisfies both bounds. Returns ok=false if no such split exists.
func splitPath(path string) (prefix, name string, ok bool) {
	if len(path) <= lenName {
		return "", path, true
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] != '/' {
			continue
		}
		p, n := path[:i], path[i+1:]
		if len(p) <= lenPrefix && len(n) <= lenName {
			return p, n, true
		}
	}
	return "", "", false
}
