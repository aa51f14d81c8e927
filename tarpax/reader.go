package tarpax

import (
	"io"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Reader is a streaming ustar/PAX archive reader. It exclusively owns its
// input stream and an internal growable block buffer (spec.md §3,
// "Ownership"). A Reader is not safe for concurrent use.
type Reader struct {
	r io.Reader

	block [blockSize]byte

	contentRemaining int64 // bytes of current entry's content not yet returned
	padRemaining     int64 // zero-padding bytes not yet consumed
	havePadding      bool  // true once content is exhausted and padding is pending

	pending map[string]string // per-file PAX overrides for the next header
	global  map[string]string // accumulated PAX global overrides

	done bool
	err  error
}

// NewReader constructs a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// readExact reads exactly len(p) bytes, or reports an error. It
// distinguishes a clean EOF at the very start of p (n==0) from a
// truncated read (0<n<len(p)), the latter always being an error.
func (tr *Reader) readExact(p []byte) (int, error) {
	n, err := io.ReadFull(tr.r, p)
	if err == io.ErrUnexpectedEOF {
		return n, cerrors.WrapWithDetail(err, cerrors.ErrIO, "read", "truncated archive")
	}
	if err != nil && err != io.EOF {
		return n, cerrors.Wrap(err, cerrors.ErrIO, "read")
	}
	return n, err // err is nil or io.EOF
}

// skip discards exactly n bytes from the stream.
func (tr *Reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, tr.r, n)
	if err != nil {
		if err == io.EOF {
			return cerrors.Wrap(cerrors.ErrUnexpectedEndOfArchive, cerrors.ErrIO, "skip")
		}
		return cerrors.Wrap(err, cerrors.ErrIO, "skip")
	}
	_ = copied
	return nil
}

// consumeRemainder finishes off whatever is left of the previous entry:
// unread content, then its block padding.
func (tr *Reader) consumeRemainder() error {
	if tr.contentRemaining > 0 {
		if err := tr.skip(tr.contentRemaining); err != nil {
			return err
		}
		tr.contentRemaining = 0
	}
	if tr.padRemaining > 0 {
		if err := tr.skip(tr.padRemaining); err != nil {
			return err
		}
		tr.padRemaining = 0
	}
	tr.havePadding = false
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func padding(size int64) int64 {
	rem := size % blockSize
	if rem == 0 {
		return 0
	}
	return blockSize - rem
}

// NextHeader advances to the next entry. It fully consumes the previous
// entry's remaining content and padding first, then reads a 512-byte
// block: an all-zero block pair signals end of archive (reported as
// io.EOF), otherwise the block is parsed and its checksum verified.
// PAX-extended and PAX-global entries are handled transparently and are
// never returned themselves: PAX-extended records apply to the next
// non-PAX header only, while PAX-global records accumulate and apply to
// every non-PAX header that follows them.
func (tr *Reader) NextHeader() (*Header, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	if tr.done {
		return nil, io.EOF
	}

	if err := tr.consumeRemainder(); err != nil {
		tr.err = err
		return nil, err
	}

	for {
		n, err := tr.readExact(tr.block[:])
		if err == io.EOF && n == 0 {
			err = cerrors.Wrap(cerrors.ErrUnexpectedEndOfArchive, cerrors.ErrIO, "next_header")
			tr.err = err
			return nil, err
		}
		if err != nil {
			tr.err = err
			return nil, err
		}

		if isAllZero(tr.block[:]) {
			n2, err2 := tr.readExact(tr.block[:])
			if err2 != nil && err2 != io.EOF {
				tr.err = err2
				return nil, err2
			}
			if n2 == 0 || isAllZero(tr.block[:]) {
				tr.done = true
				return nil, io.EOF
			}
			err := cerrors.Wrap(cerrors.ErrInvalidHeader, cerrors.ErrParse, "next_header: zero block not followed by terminator")
			tr.err = err
			return nil, err
		}

		hdr, typeflag, err := parseHeaderBlock(&tr.block)
		if err != nil {
			tr.err = err
			return nil, err
		}

		switch typeflag {
		case TypePAXRecord, TypePAXGlobal:
			records, err := tr.readPAXContent(hdr.Size)
			if err != nil {
				tr.err = err
				return nil, err
			}
			if typeflag == TypePAXGlobal {
				if tr.global == nil {
					tr.global = map[string]string{}
				}
				for k, v := range records {
					tr.global[k] = v
				}
			} else {
				tr.pending = records
			}
			continue // the real entry follows
		default:
			applyPAXOverrides(hdr, tr.global)
			applyPAXOverrides(hdr, tr.pending)
			tr.pending = nil

			tr.contentRemaining = hdr.Size
			tr.padRemaining = padding(hdr.Size)
			tr.havePadding = tr.contentRemaining == 0
			return hdr, nil
		}
	}
}

// readPAXContent reads a PAX extended header's content, bounded by the
// 1 MiB cap, and parses it into records.
func (tr *Reader) readPAXContent(size int64) (map[string]string, error) {
	if size < 0 || size > maxPAXSize {
		return nil, cerrors.WrapWithDetail(cerrors.ErrPAXTooLarge, cerrors.ErrBounds, "next_header", "pax header exceeds 1MiB cap")
	}
	buf := make([]byte, size)
	if _, err := tr.readExact(buf); err != nil {
		if err == io.EOF {
			return nil, cerrors.Wrap(cerrors.ErrUnexpectedEndOfArchive, cerrors.ErrIO, "next_header")
		}
		return nil, err
	}
	if err := tr.skip(padding(size)); err != nil {
		return nil, err
	}
	records, err := ParseRecords(buf)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// applyPAXOverrides merges overrides into hdr for the recognized keys,
// replacing the corresponding field exactly once.
func applyPAXOverrides(hdr *Header, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	if v, ok := overrides[paxPath]; ok {
		hdr.Name = v
	}
	if v, ok := overrides[paxLinkpath]; ok {
		hdr.Linkname = v
	}
	if v, ok := overrides[paxSize]; ok {
		if n, err := parseDecimal(v); err == nil {
			hdr.Size = n
		}
	}
	if v, ok := overrides[paxUID]; ok {
		if n, err := parseDecimal(v); err == nil {
			hdr.UID = uint32(n)
		}
	}
	if v, ok := overrides[paxGID]; ok {
		if n, err := parseDecimal(v); err == nil {
			hdr.GID = uint32(n)
		}
	}
}

func parseDecimal(s string) (int64, error) {
	var n int64
	var neg bool
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, cerrors.New(cerrors.ErrParse, "parse decimal", "empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, cerrors.New(cerrors.ErrParse, "parse decimal", "non-digit character")
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// ReadContent copies up to min(len(p), content bytes remaining) from the
// current entry into p. When the remaining count reaches zero, it
// automatically consumes the entry's block padding.
func (tr *Reader) ReadContent(p []byte) (int, error) {
	if tr.err != nil {
		return 0, tr.err
	}
	if tr.contentRemaining == 0 {
		if err := tr.consumePendingPadding(); err != nil {
			tr.err = err
			return 0, err
		}
		return 0, nil
	}
	want := int64(len(p))
	if want > tr.contentRemaining {
		want = tr.contentRemaining
	}
	if want == 0 {
		return 0, nil
	}
	n, err := tr.readExact(p[:want])
	if err != nil && err != io.EOF {
		tr.err = err
		return n, err
	}
	if err == io.EOF {
		err := cerrors.Wrap(cerrors.ErrUnexpectedEndOfArchive, cerrors.ErrIO, "read_content")
		tr.err = err
		return n, err
	}
	tr.contentRemaining -= int64(n)
	if tr.contentRemaining == 0 {
		tr.havePadding = true
		if err := tr.consumePendingPadding(); err != nil {
			tr.err = err
			return n, err
		}
	}
	return n, nil
}

func (tr *Reader) consumePendingPadding() error {
	if !tr.havePadding {
		return nil
	}
	if err := tr.skip(tr.padRemaining); err != nil {
		return err
	}
	tr.padRemaining = 0
	tr.havePadding = false
	return nil
}

// SkipRemainingContent consumes whatever remains of the current entry's
// content plus its padding.
func (tr *Reader) SkipRemainingContent() error {
	if tr.err != nil {
		return tr.err
	}
	if err := tr.skip(tr.contentRemaining); err != nil {
		tr.err = err
		return err
	}
	tr.contentRemaining = 0
	if err := tr.consumePendingPadding(); err != nil {
		tr.err = err
		return err
	}
	return nil
}

// parseHeaderBlock parses a 512-byte ustar header block, verifying its
// checksum. It returns the decoded Header and the raw typeflag byte (the
// Header's own Typeflag field mirrors it once translated).
func parseHeaderBlock(block *[blockSize]byte) (*Header, EntryType, error) {
	storedSum, err := parseOctalOrBase256(block[offChksum : offChksum+lenChksum])
	if err != nil {
		return nil, 0, cerrors.Wrap(cerrors.ErrInvalidHeader, cerrors.ErrParse, "parse header checksum")
	}
	if checksum(block) != storedSum {
		return nil, 0, cerrors.WrapWithDetail(cerrors.ErrInvalidHeader, cerrors.ErrParse, "parse header", "checksum mismatch")
	}

	name, err := parseString(block[offName : offName+lenName])
	if err != nil {
		return nil, 0, err
	}
	prefix, err := parseString(block[offPrefix : offPrefix+lenPrefix])
	if err != nil {
		return nil, 0, err
	}
	if prefix != "" {
		name = prefix + "/" + name
	}

	mode, err := parseOctalOrBase256(block[offMode : offMode+lenMode])
	if err != nil {
		return nil, 0, err
	}
	uid, err := parseOctalOrBase256(block[offUID : offUID+lenUID])
	if err != nil {
		return nil, 0, err
	}
	gid, err := parseOctalOrBase256(block[offGID : offGID+lenGID])
	if err != nil {
		return nil, 0, err
	}
	size, err := parseOctalOrBase256(block[offSize : offSize+lenSize])
	if err != nil {
		return nil, 0, err
	}
	mtime, err := parseOctalOrBase256(block[offMtime : offMtime+lenMtime])
	if err != nil {
		return nil, 0, err
	}
	linkname, err := parseString(block[offLinkname : offLinkname+lenLinkname])
	if err != nil {
		return nil, 0, err
	}
	uname, err := parseString(block[offUname : offUname+lenUname])
	if err != nil {
		return nil, 0, err
	}
	gname, err := parseString(block[offGname : offGname+lenGname])
	if err != nil {
		return nil, 0, err
	}
	devMajor, err := parseOctalOrBase256(block[offDevMajor : offDevMajor+lenDevMajor])
	if err != nil {
		return nil, 0, err
	}
	devMinor, err := parseOctalOrBase256(block[offDevMinor : offDevMinor+lenDevMinor])
	if err != nil {
		return nil, 0, err
	}

	typeflag := EntryType(block[offTypeflag])
	if typeflag == 0 {
		typeflag = TypeRegular
	}

	hdr := &Header{
		Name:     name,
		Mode:     uint32(mode),
		UID:      uint32(uid),
		GID:      uint32(gid),
		Size:     size,
		ModTime:  mtime,
		Typeflag: typeflag,
		Linkname: linkname,
		Uname:    uname,
		Gname:    gname,
		DevMajor: uint32(devMajor),
		DevMinor: uint32(devMinor),
	}
	return hdr, typeflag, nil
}
