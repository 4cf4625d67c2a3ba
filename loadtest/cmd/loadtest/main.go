// Command loadtest drives the chat gateway with simulated users.
//
//   - saturate: open N idle authenticated connections and hold them
//   - rooms:    spread users over rooms and exchange messages, measuring
//     broadcast fan-out latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle connections and hold them")
	fmt.Println("  rooms       Join users to rooms and exchange messages")
	fmt.Println()
	fmt.Println("Users are numbered from -user-base and must exist in the user table.")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
