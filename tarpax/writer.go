package tarpax

import (
	"io"
	"strings"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// maxUIDGID is the largest uid/gid representable in the traditional
// 8-byte octal field without overflowing it.
const maxUIDGID = 2_097_151

type writerState int

const (
	stateIdle writerState = iota
	stateContent
	stateTerminal
)

// Writer is a streaming ustar/PAX archive writer with an explicit
// begin/write/finalize protocol per entry. It exclusively owns its
// output stream (spec.md §3, "Ownership").
type Writer struct {
	w io.Writer

	state        writerState
	expectedSize int64
	written      int64
}

// NewWriter constructs a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (tw *Writer) writeRaw(p []byte) error {
	n, err := tw.w.Write(p)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrIO, "write")
	}
	if n == 0 && len(p) > 0 {
		return cerrors.Wrap(cerrors.ErrWriteZeroBytes, cerrors.ErrIO, "write")
	}
	if n < len(p) {
		return cerrors.WrapWithDetail(cerrors.ErrWriteZeroBytes, cerrors.ErrIO, "write", "short write")
	}
	return nil
}

// entryFields is the subset of Header fields needed to emit one entry.
type entryFields struct {
	Path     string
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

// writeHeaderFor emits the header block(s) for fields: a preceding
// PAX-extended entry if any field overflows the ustar representation,
// then the ustar header itself (truncated where PAX covers the overflow).
func (tw *Writer) writeHeaderFor(f entryFields) error {
	overflow := map[string]string{}

	name, prefix := f.Path, ""
	if len(f.Path) > lenName {
		if p, n, ok := splitPath(f.Path); ok {
			prefix, name = p, n
		} else {
			overflow[paxPath] = f.Path
			name = truncateTail(f.Path, lenName)
		}
	}

	linkname := f.Linkname
	if len(f.Linkname) > lenLinkname {
		overflow[paxLinkpath] = f.Linkname
		linkname = truncateTail(f.Linkname, lenLinkname)
	}

	size := f.Size
	if f.Size > maxOctalSize {
		overflow[paxSize] = itoa64(f.Size)
		size = maxOctalSize
	}

	uid := f.UID
	if f.UID > maxUIDGID {
		overflow[paxUID] = itoa64(int64(f.UID))
		uid = maxUIDGID
	}

	gid := f.GID
	if f.GID > maxUIDGID {
		overflow[paxGID] = itoa64(int64(f.GID))
		gid = maxUIDGID
	}

	if len(overflow) > 0 {
		if err := tw.writePAXHeader(overflow); err != nil {
			return err
		}
	}

	block, err := serializeUstarBlock(ustarFields{
		Name:     name,
		Prefix:   prefix,
		Mode:     f.Mode,
		UID:      uid,
		GID:      gid,
		Size:     size,
		ModTime:  f.ModTime,
		Typeflag: f.Typeflag,
		Linkname: linkname,
		Uname:    f.Uname,
		Gname:    f.Gname,
		DevMajor: f.DevMajor,
		DevMinor: f.DevMinor,
	})
	if err != nil {
		return err
	}
	return tw.writeRaw(block[:])
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// writePAXHeader emits a PAX-extended entry whose content is the
// concatenation of records for exactly the overflowing fields.
func (tw *Writer) writePAXHeader(records map[string]string) error {
	var content strings.Builder
	for _, key := range []string{paxPath, paxLinkpath, paxSize, paxUID, paxGID} {
		if v, ok := records[key]; ok {
			content.WriteString(MakeRecord(key, v))
		}
	}
	data := []byte(content.String())

	block, err := serializeUstarBlock(ustarFields{
		Name:     paxHeaderName,
		Mode:     0644,
		Size:     int64(len(data)),
		Typeflag: TypePAXRecord,
	})
	if err != nil {
		return err
	}
	if err := tw.writeRaw(block[:]); err != nil {
		return err
	}
	if err := tw.writeRaw(data); err != nil {
		return err
	}
	return tw.writeRaw(zeroPad(padding(int64(len(data)))))
}

func zeroPad(n int64) []byte {
	return make([]byte, n)
}

// WriteDirectory writes a single header block with entry type directory,
// appending '/' to the path if missing.
func (tw *Writer) WriteDirectory(path string, mode, uid, gid uint32, mtime int64, uname, gname string) error {
	if tw.state != stateIdle {
		return cerrors.New(cerrors.ErrInvalidState, "write_directory", "writer is not idle")
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return tw.writeHeaderFor(entryFields{
		Path: path, Mode: mode, UID: uid, GID: gid, ModTime: mtime,
		Typeflag: TypeDirectory, Uname: uname, Gname: gname,
	})
}

// BeginFile writes a regular-file header and transitions the writer into
// the content state, tracking expected size and bytes written so far.
func (tw *Writer) BeginFile(path string, size int64, mode, uid, gid uint32, mtime int64, uname, gname string) error {
	if tw.state != stateIdle {
		return cerrors.New(cerrors.ErrInvalidState, "begin_file", "writer is not idle")
	}
	if err := tw.writeHeaderFor(entryFields{
		Path: path, Mode: mode, UID: uid, GID: gid, Size: size, ModTime: mtime,
		Typeflag: TypeRegular, Uname: uname, Gname: gname,
	}); err != nil {
		return err
	}
	tw.state = stateContent
	tw.expectedSize = size
	tw.written = 0
	return nil
}

// WriteContent appends content bytes to the entry begun by BeginFile.
func (tw *Writer) WriteContent(p []byte) (int, error) {
	if tw.state != stateContent {
		return 0, cerrors.New(cerrors.ErrInvalidState, "write_content", "begin_file was not called")
	}
	if err := tw.writeRaw(p); err != nil {
		return 0, err
	}
	tw.written += int64(len(p))
	return len(p), nil
}

// FinalizeEntry asserts written == expected_size, then pads to the next
// 512-byte boundary and returns the writer to the idle state.
func (tw *Writer) FinalizeEntry() error {
	if tw.state != stateContent {
		return cerrors.New(cerrors.ErrInvalidState, "finalize_entry", "begin_file was not called")
	}
	if tw.written != tw.expectedSize {
		return cerrors.WrapWithDetail(cerrors.ErrSizeMismatch, cerrors.ErrInvalidState, "finalize_entry",
			"expected "+itoa64(tw.expectedSize)+" got "+itoa64(tw.written))
	}
	if err := tw.writeRaw(zeroPad(padding(tw.written))); err != nil {
		return err
	}
	tw.state = stateIdle
	tw.expectedSize = 0
	tw.written = 0
	return nil
}

// WriteSymlink writes a header-only entry of type symlink.
func (tw *Writer) WriteSymlink(path, target string, mode, uid, gid uint32, mtime int64, uname, gname string) error {
	if tw.state != stateIdle {
		return cerrors.New(cerrors.ErrInvalidState, "write_symlink", "writer is not idle")
	}
	return tw.writeHeaderFor(entryFields{
		Path: path, Mode: mode, UID: uid, GID: gid, ModTime: mtime,
		Typeflag: TypeSymlink, Linkname: target, Uname: uname, Gname: gname,
	})
}

// WriteHardlink writes a header-only entry of type hard link.
func (tw *Writer) WriteHardlink(path, target string, mode, uid, gid uint32, mtime int64, uname, gname string) error {
	if tw.state != stateIdle {
		return cerrors.New(cerrors.ErrInvalidState, "write_hardlink", "writer is not idle")
	}
	return tw.writeHeaderFor(entryFields{
		Path: path, Mode: mode, UID: uid, GID: gid, ModTime: mtime,
		Typeflag: TypeHardLink, Linkname: target, Uname: uname, Gname: gname,
	})
}

// SizedReader is satisfied by a handle whose content size is known ahead
// of time (e.g. a reader paired with a length, or a wrapper reporting an
// *os.File's Stat size; *os.File itself has no Size method).
type SizedReader interface {
	io.Reader
	Size() (int64, error)
}

// WriteFileFrom is a convenience that determines size via the handle's
// Size method then streams and pads the content.
func (tw *Writer) WriteFileFrom(path string, src SizedReader, mode, uid, gid uint32, mtime int64, uname, gname string) error {
	size, err := src.Size()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrIO, "write_file_from: stat")
	}
	if err := tw.BeginFile(path, size, mode, uid, gid, mtime, uname, gname); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := tw.WriteContent(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return cerrors.Wrap(rerr, cerrors.ErrIO, "write_file_from: read")
		}
	}
	return tw.FinalizeEntry()
}

// Finalize writes the two terminating zero blocks and transitions the
// writer to its terminal state.
func (tw *Writer) Finalize() error {
	if tw.state == stateTerminal {
		return cerrors.New(cerrors.ErrInvalidState, "finalize", "writer already finalized")
	}
	if tw.state == stateContent {
		return cerrors.New(cerrors.ErrInvalidState, "finalize", "entry not finalized")
	}
	if err := tw.writeRaw(zeroPad(blockSize * 2)); err != nil {
		return err
	}
	tw.state = stateTerminal
	return nil
}
