// Package main is the stereocam command itself.
package main

import (
	"os"

	"go.viam.com/stereocam/cli"
	"go.viam.com/stereocam/logging"
)

func main() {
	if err := cli.NewApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		logging.Global().Fatal(err)
	}
}
