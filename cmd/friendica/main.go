// Package main is the entry point of the friendica console.
package main

import (
	"fmt"
	"os"

	"github.com/friendica/friendica-go/cmd/friendica/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.NewRootCommand().Execute()
}
