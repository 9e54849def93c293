// Package main is the entry point for the conductor binary.
package main

import (
	"os"

	"conductor.mqilab.org/cli"
	"conductor.mqilab.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("Conductor exited with error")
		os.Exit(1)
	}
}
