package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rubiojr/bridgectl/cmd"
)

func main() {
	if err := cmd.RootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to its process exit code. Errors not wrapped as
// a *cmd.ExitError (e.g. CLI usage errors) fall back to a generic failure
// code.
func exitCode(err error) int {
	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
