// The main package for the fxarchive executable.
package main

import (
	"github.com/JakeFAU/fx-rate-archiver/cmd"
)

func main() {
	cmd.Execute()
}
