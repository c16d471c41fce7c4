package main

import (
	"os"

	"github.com/halden/quarterdeck/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
