// Command remallocbench drives the allocator façade under concurrent
// load: the in-scope half of the test-harness collaborator spec.md §1
// treats as external, enough to exercise S1-S6 by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOut bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:     "remallocbench",
	Short:   "Drive the remalloc allocator façade under concurrent load",
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress the text summary")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}
