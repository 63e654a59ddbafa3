// The main package for the bulkops executable.
package main

import (
	"github.com/JakeFAU/bulkops/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
