// Command finassist-cli drives a finassist server from the terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, statusError.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
