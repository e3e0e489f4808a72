// Package main is the entry point for hostguard.
package main

import (
	"fmt"
	"os"

	"hostguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
