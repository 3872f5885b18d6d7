// Package main is the entry point for the btcap HCI capture tool.
package main

import (
	"errors"
	"fmt"
	"os"

	"firestige.xyz/btcap/cmd"
	"firestige.xyz/btcap/internal/core"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, core.ErrUsage) || errors.Is(err, core.ErrUnknownFormat) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
