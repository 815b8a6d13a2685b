package main

import (
	"os"

	"dlqueue/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
