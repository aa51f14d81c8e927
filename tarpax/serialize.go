package tarpax

import cerrors "github.com/tetrate-labs/containervm-toolkit/errors"

// ustarFields is the full set of fields serialize-able into one 512-byte
// ustar header block (name already split into name+prefix by the caller).
type ustarFields struct {
	Name     string
	Prefix   string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     int64
	ModTime  int64
	Typeflag EntryType
	Linkname string
	Uname    string
	Gname    string
	DevMajor uint32
	DevMinor uint32
}

// serializeUstarBlock renders fields into a 512-byte ustar header block
// and fills in the checksum per spec.md §4.2: space-fill the checksum
// field, sum all 512 bytes as unsigned bytes, then write the value as a
// 6-digit zero-padded octal followed by NUL then SPACE.
func serializeUstarBlock(f ustarFields) (*[blockSize]byte, error) {
	var block [blockSize]byte

	if !putString(block[offName:offName+lenName], f.Name) {
		return nil, cerrors.WrapWithDetail(cerrors.ErrPathTooLong, cerrors.ErrBounds, "header-serialization-failed", "name field overflow")
	}
	if !putString(block[offPrefix:offPrefix+lenPrefix], f.Prefix) {
		return nil, cerrors.WrapWithDetail(cerrors.ErrPathTooLong, cerrors.ErrBounds, "header-serialization-failed", "prefix field overflow")
	}
	if !putString(block[offLinkname:offLinkname+lenLinkname], f.Linkname) {
		return nil, cerrors.WrapWithDetail(cerrors.ErrPathTooLong, cerrors.ErrBounds, "header-serialization-failed", "linkname field overflow")
	}
	putString(block[offUname:offUname+lenUname], f.Uname)
	putString(block[offGname:offGname+lenGname], f.Gname)

	if ok := putOctalField(block[offMode:offMode+lenMode], int64(f.Mode)); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "mode field overflow")
	}
	if ok := putOctalField(block[offUID:offUID+lenUID], int64(f.UID)); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "uid field overflow")
	}
	if ok := putOctalField(block[offGID:offGID+lenGID], int64(f.GID)); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "gid field overflow")
	}
	if ok := putOctalField(block[offSize:offSize+lenSize], f.Size); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "size field overflow")
	}
	if ok := putOctalField(block[offMtime:offMtime+lenMtime], f.ModTime); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "mtime field overflow")
	}
	if ok := putOctalField(block[offDevMajor:offDevMajor+lenDevMajor], int64(f.DevMajor)); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "devmajor field overflow")
	}
	if ok := putOctalField(block[offDevMinor:offDevMinor+lenDevMinor], int64(f.DevMinor)); !ok {
		return nil, cerrors.New(cerrors.ErrBounds, "header-serialization-failed", "devminor field overflow")
	}

	block[offTypeflag] = byte(f.Typeflag)
	copy(block[offMagic:offMagic+lenMagic], ustarMagic)
	copy(block[offVersion:offVersion+lenVersion], ustarVersion)

	for i := offChksum; i < offChksum+lenChksum; i++ {
		block[i] = ' '
	}
	sum := checksum(&block)
	writeChecksumField(block[offChksum:offChksum+lenChksum], sum)

	return &block, nil
}

// putOctalField writes v as zero-padded octal with a trailing NUL,
// falling back to the GNU base-256 encoding if the value doesn't fit in
// octal but does fit in the field's byte width.
func putOctalField(field []byte, v int64) bool {
	if b, ok := formatOctal(v, len(field)); ok {
		copy(field, b)
		return true
	}
	return putBase256(field, v)
}

func putBase256(field []byte, v int64) bool {
	if v < 0 {
		return false
	}
	n := len(field)
	for i := n - 1; i >= 1; i-- {
		field[i] = byte(v & 0xff)
		v >>= 8
	}
	if v != 0 {
		return false
	}
	field[0] = 0x80
	return true
}

// writeChecksumField writes a 6-digit zero-padded octal value followed by
// NUL then SPACE, per spec.md §4.2.
func writeChecksumField(field []byte, sum int64) {
	s, _ := formatOctalFixed(sum, 6)
	copy(field, s)
	field[6] = 0
	field[7] = ' '
}

// formatOctalFixed renders v as exactly width octal digits, zero padded.
func formatOctalFixed(v int64, width int) (string, bool) {
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = byte('0' + v%8)
		v /= 8
	}
	return string(digits), v == 0
}
