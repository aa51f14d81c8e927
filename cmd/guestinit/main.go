// Command guestinit is an OCI-compliant container runtime meant to run as
// PID 1 inside a microVM guest: it builds and supervises containers from
// OCI bundle directories (config.json plus a root filesystem), and exposes the
// same create/start/run/exec/kill/delete/list/state/spec surface a
// host-side OCI runtime would.
package main

import (
	"fmt"
	"os"

	"github.com/tetrate-labs/containervm-toolkit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "guestinit: %v\n", err)
		os.Exit(1)
	}
}
