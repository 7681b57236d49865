// Command cardscanctl is the operator CLI: submit scans, run a stuck-job
// sweep, inspect the fallback budget, rebuild prototypes, and mint API keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand(openServices)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
