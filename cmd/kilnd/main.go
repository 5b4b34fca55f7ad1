package main

import (
	"fmt"
	"os"

	"github.com/nixpig/kiln/internal/cri"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/oci"
)

func main() {
	cmd := cri.Cmd(oci.Version)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	if err := cmd.Execute(); err != nil {
		os.Stderr.Write(fmt.Appendf(nil, "kilnd: %s\n", err))
		os.Exit(errdefs.ExitCode(err))
	}
}
