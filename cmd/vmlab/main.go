// Package main is the entry point for vmlab.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/javanstorm/vmlab/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var status *cli.ExitStatus
		if errors.As(err, &status) {
			os.Exit(status.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
