// Package main is the entry point of cloudnet-node, a CloudNet cluster node.
package main

import (
	"fmt"
	"os"

	"github.com/iknow13/CloudNet-v3/internal/cli/command"
)

func main() {
	if err := command.App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
