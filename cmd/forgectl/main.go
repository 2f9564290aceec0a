// forgectl creates and drives agent sessions against git worktrees.
package main

import (
	"os"

	"github.com/session-forge/forge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
