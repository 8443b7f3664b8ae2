// Package main provides the entry point for gpucachesim.
// gpucachesim is a cycle-level, trace-driven GPU performance simulator.
//
// For the full CLI, use: go run ./cmd/gpucachesim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("gpucachesim - trace-driven GPU performance simulator")
	fmt.Println("")
	fmt.Println("Usage: gpucachesim -trace <commands file> [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -trace     Path to the commands file of a traced application")
	fmt.Println("  -config    Path to a JSON configuration file")
	fmt.Println("  -cycles    Stop after this many cycles")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/gpucachesim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/gpucachesim' instead.")
	}
}
