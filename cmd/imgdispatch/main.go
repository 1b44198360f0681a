// Command imgdispatch runs the image processing gateway, scheduler and
// worker processes, together or one role per process.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
