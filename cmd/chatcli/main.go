// chatcli is a terminal client for the rental chat API. It keeps its device
// state (token, pending intent) in a local SQLite file.
package main

import (
	"fmt"
	"os"
)

func main() {
	root, cleanup := newRootCmd()
	err := root.Execute()
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
