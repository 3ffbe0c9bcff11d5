// Command preforkd runs a demonstration prefork server: a manager keeps a
// pool of worker processes that pull numbered jobs from it, square them, and
// hand back a summary when they exit.
package main

import (
	"fmt"
	"os"

	"github.com/axondata/go-prefork"
)

func main() {
	if prefork.IsWorker() {
		os.Exit(runWorker())
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "preforkd:", err)
		os.Exit(1)
	}
}
