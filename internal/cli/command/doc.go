// Package command defines the cloudnet-node commands using urfave/cli/v2.
//
//   - run: start the node and block until SIGINT or SIGTERM
//   - tasks: inspect the service task directory of a stopped node
//   - config: print or check the merged configuration
//   - version: print build information
package command
