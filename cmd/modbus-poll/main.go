// Package main provides modbus-poll, a Modbus TCP server driven by a
// single-threaded poll loop over host sockets, and a small probe client.
package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
