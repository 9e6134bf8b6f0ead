package main

import (
	"os"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
