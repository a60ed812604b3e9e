package main

import (
	"fmt"
	"os"

	"hike-coordinator/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.RootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
