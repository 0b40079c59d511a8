// Command ranyad runs the Ranya task runtime.
package main

import (
	"fmt"
	"os"

	"github.com/harun/ranya-runtime/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
