package main

import (
	"os"

	"github.com/v0xg/dbguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
