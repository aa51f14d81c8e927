//go:build linux

package mountengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

func TestParseOptionsFlagsAndData(t *testing.T) {
	flags, data, err := ParseOptions([]string{"ro", "nosuid", "noexec", "size=64m"})
	require.NoError(t, err)
	require.Equal(t, uintptr(RDONLY|NOSUID|NOEXEC), flags)
	require.Equal(t, "size=64m", data)
}

func TestParseOptionsClearSemantics(t *testing.T) {
	flags, _, err := ParseOptions([]string{"ro", "rw"})
	require.NoError(t, err)
	require.Equal(t, uintptr(0), flags)
}

func TestParseOptionsRbindSetsRecAndBind(t *testing.T) {
	flags, _, err := ParseOptions([]string{"rbind"})
	require.NoError(t, err)
	require.Equal(t, uintptr(BIND|REC), flags)
}

func TestParseOptionsMandDirsyncDiratime(t *testing.T) {
	flags, _, err := ParseOptions([]string{"mand", "dirsync", "diratime"})
	require.NoError(t, err)
	require.Equal(t, uintptr(MANDLOCK|DIRSYNC), flags&(MANDLOCK|DIRSYNC))
	require.Equal(t, uintptr(0), flags&NODIRATIME)
}

func TestParseOptionsDataExceedsPage(t *testing.T) {
	big := make([]byte, pageSize()+1)
	for i := range big {
		big[i] = 'x'
	}
	_, _, err := ParseOptions([]string{string(big)})
	require.ErrorIs(t, err, cerrors.ErrMountDataTooLarge)
}
