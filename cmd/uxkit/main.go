package main

import (
	"os"

	"github.com/psantana5/turnstile-uxkit/cmd/uxkit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
