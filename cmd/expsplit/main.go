package main

import (
	"os"

	"github.com/expsplit/expsplit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
