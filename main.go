package main

import (
	"os"

	"github.com/fzft/go-reactor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
