// Command tpgctl compiles TPG sequence programs and drives them on a
// simulated timing pattern generator.
package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	"github.com/slaclab/cpsw-tpg/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		// Runs registered cleanup, such as closing the operation log.
		atexit.Exit(cli.GetExitCode(err))
	}
	atexit.Exit(0)
}
