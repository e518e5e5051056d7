// Command tripstudy runs the counterbalanced trip-choice study.
//
// Usage:
//
//	# Start the HTTP API with defaults (SQLite at ./tripstudy.db)
//	tripstudy serve
//
//	# Configure via file and environment
//	TRIPSTUDY_SERVER_PORT=9090 tripstudy serve --config tripstudy.yaml
//
//	# Inspect a participant
//	tripstudy progress P1
package main

import (
	"os"

	"github.com/roach88/tripstudy/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
