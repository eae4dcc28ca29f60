package main

import (
	"os"

	"zgdrive/cmd/zg/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
