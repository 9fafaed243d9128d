// Command tally answers questions about purchase receipts with an LLM that
// queries the receipts database through tools.
package main

import (
	"fmt"
	"os"

	"tally/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, logging.Mask(err.Error()))
		os.Exit(1)
	}
}
