// Package main provides the geoquery CLI.
package main

import (
	"os"

	"github.com/leapstack-labs/geoquery/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
