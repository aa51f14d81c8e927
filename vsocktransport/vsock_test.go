//go:build linux

package vsocktransport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUitoa(t *testing.T) {
	require.Equal(t, "0", uitoa(0))
	require.Equal(t, "7", uitoa(7))
	require.Equal(t, "4294967295", uitoa(4294967295))
}

func TestAddrString(t *testing.T) {
	require.Equal(t, "cid=2 port=10000", addrString(2, 10000))
}
