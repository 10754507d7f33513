// Command loadtest drives simulated users against a running matching service.
//
// Usage:
//
//	loadtest <command> [options]
//
// Commands:
//
//   - saturate: open N idle authenticated connections and hold them
//   - match:    connect N users, send match from each and wait for rooms
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
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
	fmt.Println("  match       Connect N users, request matches and wait for rooms")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
