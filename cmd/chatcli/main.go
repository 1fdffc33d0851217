// Package main provides chatcli, a terminal client that chats through a relay.
//
// Usage:
//
//	chatcli [flags] <command> [args]
//
// Commands:
//
//	send     - Send a message and print the reply as it arrives
//	threads  - List the local threads
//	show     - Print the messages of a thread
//	delete   - Delete a thread
//
// Threads are kept in a local bbolt file, by default in the user config directory.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
