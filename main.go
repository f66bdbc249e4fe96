// The main package for the discovery executable.
package main

import (
	"github.com/editalwatch/discovery/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
