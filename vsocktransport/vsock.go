//go:build linux

// Package vsocktransport wraps AF_VSOCK connections used to bridge a
// guest container's stdio back to the host (spec.md §4.7). It owns the
// connection it dials or accepts; callers that need an independent
// descriptor (e.g. to hand to a relay that might outlive this wrapper)
// get a dup'd fd whose lifetime is decoupled from the transport's own.
package vsocktransport

import (
	"context"

	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
	"github.com/tetrate-labs/containervm-toolkit/logging"
)

// HostCID is the well-known context ID for the hypervisor host.
const HostCID = unix.VMADDR_CID_HOST

// Conn wraps a *vsock.Conn, owning its lifetime.
type Conn struct {
	*vsock.Conn
}

// Dial connects to (cid, port) over AF_VSOCK.
func Dial(ctx context.Context, cid, port uint32) (*Conn, error) {
	c, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrKernel, "vsock_dial", addrString(cid, port))
	}
	conn := &Conn{Conn: c}
	logConnected(conn, "vsock dial succeeded", addrString(cid, port))
	return conn, nil
}

// Listener accepts incoming AF_VSOCK connections on a port.
type Listener struct {
	*vsock.Listener
}

// Listen binds a vsock listener on port.
func Listen(port uint32) (*Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrKernel, "vsock_listen")
	}
	return &Listener{Listener: l}, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrKernel, "vsock_accept")
	}
	vc, ok := c.(*vsock.Conn)
	if !ok {
		return nil, cerrors.New(cerrors.ErrInternal, "vsock_accept", "accepted connection is not *vsock.Conn")
	}
	conn := &Conn{Conn: vc}
	logConnected(conn, "vsock accept succeeded", "")
	return conn, nil
}

// logConnected logs a newly established connection at debug level,
// tagged with its underlying fd via a dup'd descriptor that is closed
// immediately after logging since only the number is wanted here.
func logConnected(c *Conn, msg, detail string) {
	fd, err := c.Dup()
	if err != nil {
		return
	}
	defer unix.Close(fd)
	logger := logging.WithFD(logging.Default(), fd)
	if detail != "" {
		logger = logger.With("remote", detail)
	}
	logger.Debug(msg)
}

// CloseWrite half-closes the write side if the underlying connection
// supports it, otherwise falls back to a full Close.
func (c *Conn) CloseWrite() error {
	if hc, ok := any(c.Conn).(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return cerrors.Wrap(err, cerrors.ErrIO, "vsock_close_write")
		}
		return nil
	}
	return c.Close()
}

// Dup returns a duplicated file descriptor for this connection's
// underlying socket. The caller owns the returned fd independently: it
// must be closed by the caller, and closing it never affects this
// Conn's own lifetime (spec.md §4.7).
func (c *Conn) Dup() (int, error) {
	sc, err := c.Conn.SyscallConn()
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrKernel, "vsock_dup: syscall_conn")
	}
	var dupFD int
	var dupErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, cerrors.Wrap(ctrlErr, cerrors.ErrKernel, "vsock_dup: control")
	}
	if dupErr != nil {
		return -1, cerrors.Wrap(dupErr, cerrors.ErrKernel, "vsock_dup: dup")
	}
	return dupFD, nil
}

func addrString(cid, port uint32) string {
	return "cid=" + uitoa(cid) + " port=" + uitoa(port)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
