package main

import (
	"fmt"
	"os"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "continue-reasoning: %v\n", err)
		os.Exit(1)
	}
}
