// Package main is the entry point for the lab2hub CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/lab2hub/lab2hub/cmd"
	"github.com/lab2hub/lab2hub/internal/logging"
)

func main() {
	// Tokens and cookies commonly live in a local .env file
	if err := godotenv.Load(); err == nil {
		logging.Debug("loaded environment from .env")
	}

	if err := cmd.Execute(); err != nil {
		logging.Error("command execution failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
