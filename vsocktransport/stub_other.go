//go:build !linux

package vsocktransport

import (
	"context"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// HostCID is the well-known context ID for the hypervisor host.
const HostCID = 2

// Conn is the non-Linux stand-in: AF_VSOCK has no portable equivalent.
type Conn struct{}

func unsupported(op string) error {
	return cerrors.New(cerrors.ErrKernel, op, "unsupported platform: vsocktransport requires linux")
}

func Dial(ctx context.Context, cid, port uint32) (*Conn, error) { return nil, unsupported("vsock_dial") }

type Listener struct{}

func Listen(port uint32) (*Listener, error) { return nil, unsupported("vsock_listen") }

func (l *Listener) Accept() (*Conn, error) { return nil, unsupported("vsock_accept") }

func (c *Conn) CloseWrite() error { return unsupported("vsock_close_write") }

func (c *Conn) Dup() (int, error) { return -1, unsupported("vsock_dup") }
