// Command offlinesync inspects, repairs and drains the local data of an
// offline sync engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/c0deZ3R0/go-offline-kit/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// Command errors are rendered by the command; flag errors are not.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
