package main

import (
	"os"

	"github.com/ent0n29/billrelay/cmd/billhandoff/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
