package main

import (
	"fmt"
	"os"

	"github.com/vbp1/pgstandby/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgstandby:", err)
		os.Exit(1)
	}
}
