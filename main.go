package main

import (
	"os"

	"github.com/kavos113/minicr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
