// Command syncvault is the command line for the encrypted sync store.
package main

import (
	"os"

	"github.com/roach88/syncvault/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
