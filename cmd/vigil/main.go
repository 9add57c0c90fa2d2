// Command vigil runs and manages WebAssembly monitoring daemons.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/vigil/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	if !cli.IsReported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
