package main

import (
	"fmt"
	"os"

	"github.com/harborci/e2ebot/harness"
)

func main() {
	if n := len(os.Args); n < 2 || n != needArgs[os.Args[1]] {
		usage()
	}
	switch os.Args[1] {
	case "run":
		harness.Main()
	case "cli":
		os.Exit(harness.CLIMain(os.Args[2], os.Args[3]))
	case "destroy":
		harness.DestroyMain()
	default:
		usage()
	}
}

func usage() {
	fmt.Fprint(os.Stderr, usageString)
	os.Exit(2)
}

const usageString = `usage:
  e2ebot run
  e2ebot cli [def] [dir]
  e2ebot destroy

For cli, def is a server definition of the form
platform/variant/arch, and dir is a directory containing a
build definition to run with the CLI on that server.

Example:
  $ e2ebot cli linux/ubuntu-22.04/amd64 ./test-data/static-smoke
`

var needArgs = map[string]int{"run": 2, "cli": 4, "destroy": 2}
