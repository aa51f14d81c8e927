// Package relay implements the bidirectional byte relay that bridges a
// container's stdio to the host: one goroutine per direction, each
// copying with full-read/full-write loops, propagating end-of-stream as
// a half-close and any I/O error as a full teardown (spec.md §4.6).
package relay

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// HalfCloser is satisfied by any connection that can signal end-of-write
// independently of closing the read side, the property the relay needs
// to propagate one direction's EOF without tearing down the other.
type HalfCloser interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

var pageSize = os.Getpagesize()

// Relay bridges two HalfClosers, fd1 and fd2, copying each direction on
// its own goroutine and signaling overall completion exactly once, even
// though both directions can finish independently (spec.md §4.6).
type Relay struct {
	fd1, fd2 HalfCloser

	started atomic.Bool
	once    sync.Once
	done    chan struct{}
	err     error
}

// New constructs a Relay over the given pair of connections.
func New(fd1, fd2 HalfCloser) *Relay {
	return &Relay{fd1: fd1, fd2: fd2, done: make(chan struct{})}
}

// Run starts both copy directions and blocks until both have finished.
// It returns the first non-nil error encountered by either direction, if
// any. Calling Run a second time on the same Relay is rejected: the fds
// are already closed and done already signaled by the first call.
func (r *Relay) Run() error {
	if !r.started.CompareAndSwap(false, true) {
		return cerrors.Wrap(cerrors.ErrWaitCompletionTwice, cerrors.ErrInvalidState, "relay.run")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(copyDirection(r.fd2, r.fd1))
	}()
	go func() {
		defer wg.Done()
		record(copyDirection(r.fd1, r.fd2))
	}()
	wg.Wait()

	// Ownership: the relay closes both descriptors once both event
	// sources are cancelled (spec.md §3, "Ownership").
	r.fd1.Close()
	r.fd2.Close()

	r.once.Do(func() {
		r.err = firstErr
		close(r.done)
	})
	return firstErr
}

// Done returns a channel closed exactly once, when both directions have
// finished (whether cleanly or via error).
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// copyDirection copies from src to dst using full-read/full-write loops,
// up to pageSize bytes per iteration. On EOF it half-closes dst's write
// side; on any I/O error it fully closes dst (spec.md §4.6: "cancels its
// subscription and calls shutdown(dst, SHUT_WR)" / "...SHUT_RDWR").
func copyDirection(dst, src HalfCloser) error {
	buf := make([]byte, pageSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := writeFull(dst, buf[:n]); werr != nil {
				dst.Close()
				return werr
			}
		}
		if rerr == io.EOF {
			return dst.CloseWrite()
		}
		if rerr != nil {
			dst.Close()
			return cerrors.Wrap(rerr, cerrors.ErrIO, "relay: read")
		}
	}
}

// writeFull retries partial writes until all of p is written; a
// zero-length write on a non-empty buffer is treated as a fatal I/O
// error (spec.md §4.6).
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrIO, "relay: write")
		}
		if n == 0 {
			return cerrors.Wrap(cerrors.ErrWriteZeroBytes, cerrors.ErrIO, "relay: write")
		}
		p = p[n:]
	}
	return nil
}

// LogOutcome logs the relay's terminal error, if any, at the
// appropriate level.
func LogOutcome(logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}, err error) {
	if err != nil {
		logger.Error("relay finished with error", "error", err)
		return
	}
	logger.Debug("relay finished cleanly")
}
