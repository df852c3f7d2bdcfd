// The main package for the rankpulse executable.
package main

import (
	"github.com/rankpulse/rankpulse/cmd"
)

func main() {
	cmd.Execute()
}
