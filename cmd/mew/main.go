// Package main is the entry point for the MEW CLI.
package main

import (
	"os"

	"github.com/mew-protocol/mew/cmd/mew/app"
	"github.com/mew-protocol/mew/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
