package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nixpig/kiln/internal/oci"
	"github.com/thediveo/gons"
)

func main() {
	if err := gons.Status(); err != nil {
		os.Stderr.Write(
			fmt.Appendf(nil, "failed to join namespaces: %s\n", err),
		)
		os.Exit(1)
	}

	if err := oci.RootCmd().Execute(); err != nil {
		var exitErr *oci.ExitError
		if !errors.As(err, &exitErr) {
			os.Stderr.Write(fmt.Appendf(nil, "%s\n", oci.FormatError(err)))
		}
		os.Exit(oci.ExitCode(err))
	}
}
