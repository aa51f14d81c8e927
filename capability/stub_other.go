//go:build !linux

package capability

import cerrors "github.com/tetrate-labs/containervm-toolkit/errors"

// Kind selects which group of masks an operation applies to.
type Kind int

const (
	CAPS Kind = iota
	BOUNDS
	AMBS
)

// Capabilities is the non-Linux stand-in: capget/capset/prctl have no
// portable equivalent, so every operation reports unsupported-platform.
type Capabilities struct{}

func unsupported(op string) error {
	return cerrors.New(cerrors.ErrKernel, op, "unsupported platform: capability requires linux")
}

func ByName(name string) (int, bool) { return 0, false }

func LastCap() int { return 0 }

func Load() (*Capabilities, error) { return nil, unsupported("load") }

func (c *Capabilities) Fill(kind Kind)  {}
func (c *Capabilities) Clear(kind Kind) {}

func (c *Capabilities) Apply(kind Kind) error { return unsupported("apply") }

func KeepCapsAroundSetuid(fn func() error) error { return unsupported("set_keepcaps") }
