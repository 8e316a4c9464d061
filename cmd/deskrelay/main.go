// deskrelay - remote command relay between a mobile client and desktop automation.
package main

import (
	"fmt"
	"os"

	"github.com/markus-barta/deskrelay/internal/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
