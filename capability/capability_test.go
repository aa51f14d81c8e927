//go:build linux

package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	bit, ok := ByName("cap_sys_admin")
	require.True(t, ok)
	require.Equal(t, CAP_SYS_ADMIN, bit)

	_, ok = ByName("cap_does_not_exist")
	require.False(t, ok)
}

func TestFillAndClearCaps(t *testing.T) {
	c := &Capabilities{}
	c.Inheritable.set(CAP_CHOWN)
	c.Fill(CAPS)
	require.True(t, c.Effective.has(CAP_CHOWN))
	require.True(t, c.Permitted.has(CAP_CHOWN))
	require.False(t, c.Inheritable.has(CAP_CHOWN))

	c.Clear(CAPS)
	require.False(t, c.Effective.has(CAP_CHOWN))
	require.False(t, c.Permitted.has(CAP_CHOWN))
}

func TestSetAndUnset(t *testing.T) {
	c := &Capabilities{}
	require.NoError(t, c.Set(&c.Effective, []string{"CAP_KILL", "CAP_CHOWN"}))
	ok, err := c.Get(&c.Effective, "cap_kill")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Unset(&c.Effective, []string{"CAP_KILL"}))
	ok, err = c.Get(&c.Effective, "cap_kill")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetUnknownCapabilityErrors(t *testing.T) {
	c := &Capabilities{}
	err := c.Set(&c.Effective, []string{"CAP_NOT_REAL"})
	require.Error(t, err)
}

func TestFillBoundsRespectsLastCap(t *testing.T) {
	c := &Capabilities{}
	c.Fill(BOUNDS)
	require.True(t, c.Bounding.has(CAP_CHOWN))
	require.True(t, c.Bounding.has(LastCap()))
}
