package main

import (
	"os"

	"github.com/NikhilSetiya/agentctx/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
