// Command skyflow-publisher turns submitted drone flight videos into HLS
// renditions and records their playback URLs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
