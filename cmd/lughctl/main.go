// Command lughctl is the offline operator tool: it applies updates against
// the artifact root and inspects the transaction journal while lughd is
// stopped.
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
	var code int
	switch os.Args[1] {
	case "update":
		code = runUpdate(os.Args[2:])
	case "journal":
		code = runJournal(os.Args[2:])
	case "recover":
		code = runRecover(os.Args[2:])
	case "kvlog":
		code = runKVLog(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: lughctl <command> [flags]

commands:
  update   apply an update image to a component
  journal  list update transactions or one transaction's events
  recover  reconcile interrupted transactions
  kvlog    list the key/value log of a boot
`)
}
