// Package main is the entry point for the mirrord replica daemon.
package main

import (
	"os"

	"github.com/mirrorkit/mirrorkit/cmd/mirrord/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
